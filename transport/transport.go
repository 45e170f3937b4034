package transport

import (
	"context"

	"github.com/luma/beacon/protocol"
)

// Events are the callbacks a transport posts into. They are invoked
// from the transport's read goroutine; receivers are expected to hand
// work off to their own loop rather than block.
type Events struct {
	// OnFrame delivers a decoded inbound frame.
	OnFrame func(p *protocol.ProtocolMessage)

	// OnClose fires once when the transport stops for good, with the
	// reason if there is one.
	OnClose func(reason error)

	// OnError reports a frame-level fault (a frame that could not be
	// decoded) without implying the transport is dead.
	OnError func(err error)
}

// Transport is a single persistent framed connection to a realtime
// endpoint. A connection holds exactly one at a time.
type Transport interface {
	// Send encodes and writes one frame.
	Send(p *protocol.ProtocolMessage) error

	// Destroy tears the transport down. It is synchronous, idempotent,
	// and suppresses the OnClose callback: the owner already knows.
	Destroy() error
}

// Dialer opens a Transport. The connection state machine depends on
// this seam, never on a concrete implementation, so tests can inject
// fakes.
type Dialer func(ctx context.Context, opts Options, events Events) (Transport, error)
