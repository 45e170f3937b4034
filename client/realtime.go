package client

import (
	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/protocol"
)

// Realtime is the entry point for the realtime API: one connection
// plus its channel registry.
type Realtime struct {
	Connection *Conn
	Channels   *Channels
}

// New builds a Realtime client. The connection starts in Initialized;
// call Connection.Connect to bring it up.
func New(opts Options) (*Realtime, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}

	opts.applyDefaults()

	wireCodec, err := protocol.NewCodec(opts.Format)
	if err != nil {
		return nil, err
	}

	pipeline := codec.NewPipeline(wireCodec.Binary())

	conn := newConn(&opts, wireCodec)
	channels := newChannels(conn, pipeline, opts.Log)
	conn.channels = channels
	conn.start()

	return &Realtime{
		Connection: conn,
		Channels:   channels,
	}, nil
}
