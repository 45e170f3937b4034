package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	RealtimeURL string `env:"BEACON_REALTIME_URL"`
	RestURL     string `env:"BEACON_REST_URL"`
	Key         string `env:"BEACON_KEY"`
	ClientID    string `env:"BEACON_CLIENT_ID"`
	Format      string `env:"BEACON_FORMAT"`
	Trace       bool   `env:"BEACON_TRACE"`
	DebugHTTP   bool   `env:"BEACON_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
