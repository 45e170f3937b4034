package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/protocol"
)

const (
	DefaultDialTimeout = 15 * time.Second
)

type Options struct {
	// URL of the realtime endpoint, e.g. "wss://realtime.example.com".
	URL string

	// Codec picks the wire format for this connection. It is fixed for
	// the transport's lifetime.
	Codec protocol.Codec

	DialTimeout time.Duration

	// Trace will dump frames to the debug log. This is only useful in
	// local debugging
	Trace bool

	Log *zap.Logger
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}

	return DefaultDialTimeout
}
