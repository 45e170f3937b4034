package client

import "errors"

var (
	// ErrTimeout is returned when a suspending operation's deadline
	// expires. The underlying protocol commitment (for example a
	// pending publish) stays in the ack tracker until resolved;
	// abandoning the handle does not retract the frame.
	ErrTimeout = errors.New("operation timed out")

	// ErrQueueOverflow is returned when a bounded send queue is full.
	ErrQueueOverflow = errors.New("send queue overflow")

	ErrConnectionClosed    = errors.New("connection is closed")
	ErrConnectionFailed    = errors.New("connection has failed")
	ErrConnectionSuspended = errors.New("connection is suspended")
	ErrDisconnected        = errors.New("connection was lost")

	ErrChannelFailed        = errors.New("channel has failed")
	ErrChannelModeViolation = errors.New("channel modes do not permit this operation")
	ErrChannelSuspended     = errors.New("channel is suspended")
	ErrChannelDetached      = errors.New("channel is detached")
	ErrChannelAttached      = errors.New("channel is still attached")

	// ErrProtocolViolation is fatal to the connection: the peer sent a
	// frame the protocol does not allow.
	ErrProtocolViolation = errors.New("protocol violation")
)
