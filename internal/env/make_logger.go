package env

import (
	"os"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func MakeLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := os.Getenv("BEACON_LOG_LEVEL"); raw != "" {
		if err := level.Set(raw); err != nil {
			return nil, err
		}
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logConfig.Encoding = "json"

	return logConfig.Build()
}
