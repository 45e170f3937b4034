package client

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/transport"
)

var (
	ErrMissingURL = errors.New("options must carry a realtime URL")
)

const (
	DefaultConnectTimeout        = 15 * time.Second
	DefaultRequestTimeout        = 10 * time.Second
	DefaultRetryTimeout          = 15 * time.Second
	DefaultSuspendedRetryTimeout = 30 * time.Second
	DefaultConnectionStateTTL    = 120 * time.Second
	DefaultHeartbeatGrace        = 10 * time.Second
	DefaultPendingQueueLimit     = 100
	DefaultAckQueueLimit         = 100
	DefaultSubscriptionBuffer    = 32
)

type Options struct {
	// URL of the realtime endpoint, e.g. "wss://realtime.example.com".
	URL string

	// FallbackURLs are tried in rotation when the primary cannot be
	// reached.
	FallbackURLs []string

	// Key authenticates the connection. It is presented as a query
	// parameter on dial; minting and renewing tokens is the caller's
	// concern.
	Key string

	// ClientID to present on the connection, if any.
	ClientID string

	// Format picks the wire format, protocol.FormatJSON or
	// protocol.FormatMsgpack. Defaults to json.
	Format string

	// Dialer opens transports. Defaults to the websocket transport;
	// tests swap in fakes.
	Dialer transport.Dialer

	// Trace will dump frames to the debug log. This is only useful in
	// local debugging
	Trace bool

	Log *zap.Logger

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// RequestTimeout bounds the close handshake.
	RequestTimeout time.Duration

	// RetryTimeout caps the backoff between reconnection attempts
	// while Disconnected.
	RetryTimeout time.Duration

	// SuspendedRetryTimeout is the fixed retry period once Suspended.
	SuspendedRetryTimeout time.Duration

	// ConnectionStateTTL is how long the server holds connection state
	// for resume. Overridden by the value the server advertises on
	// Connected.
	ConnectionStateTTL time.Duration

	// HeartbeatGrace is how long after an outbound heartbeat any
	// inbound frame must arrive before the connection is considered
	// dead.
	HeartbeatGrace time.Duration

	// PendingQueueLimit bounds publishes queued while not connected.
	PendingQueueLimit int

	// AckQueueLimit bounds publishes awaiting acknowledgement.
	AckQueueLimit int

	// SubscriptionBuffer is the per-subscriber channel depth.
	SubscriptionBuffer int
}

func (o *Options) applyDefaults() {
	if o.Format == "" {
		o.Format = "json"
	}

	if o.Dialer == nil {
		o.Dialer = transport.DialWebsocket
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}

	if o.RetryTimeout <= 0 {
		o.RetryTimeout = DefaultRetryTimeout
	}

	if o.SuspendedRetryTimeout <= 0 {
		o.SuspendedRetryTimeout = DefaultSuspendedRetryTimeout
	}

	if o.ConnectionStateTTL <= 0 {
		o.ConnectionStateTTL = DefaultConnectionStateTTL
	}

	if o.HeartbeatGrace <= 0 {
		o.HeartbeatGrace = DefaultHeartbeatGrace
	}

	if o.PendingQueueLimit <= 0 {
		o.PendingQueueLimit = DefaultPendingQueueLimit
	}

	if o.AckQueueLimit <= 0 {
		o.AckQueueLimit = DefaultAckQueueLimit
	}

	if o.SubscriptionBuffer <= 0 {
		o.SubscriptionBuffer = DefaultSubscriptionBuffer
	}
}

// urls returns the dial rotation: the primary first, then fallbacks.
func (o *Options) urls() []string {
	return append([]string{o.URL}, o.FallbackURLs...)
}
