package client

import (
	"time"

	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/transport"
)

// ConnState is the connection state machine's state.
type ConnState int

const (
	ConnInitialized ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnSuspended
	ConnClosing
	ConnClosed
	ConnFailed
)

var connStateNames = map[ConnState]string{
	ConnInitialized:  "INITIALIZED",
	ConnConnecting:   "CONNECTING",
	ConnConnected:    "CONNECTED",
	ConnDisconnected: "DISCONNECTED",
	ConnSuspended:    "SUSPENDED",
	ConnClosing:      "CLOSING",
	ConnClosed:       "CLOSED",
	ConnFailed:       "FAILED",
}

func (s ConnState) String() string {
	if name, ok := connStateNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// StateChange is delivered, in transition order, to connection state
// watchers.
type StateChange struct {
	Previous ConnState
	Current  ConnState

	// Reason is set when the transition was caused by an error.
	Reason *protocol.ErrorInfo
}

// timerKind names the timers the state machine arms. One timer of
// each kind exists at most; re-arming replaces it.
type timerKind int

const (
	timerConnect timerKind = iota
	timerRetry
	timerSuspend
	timerClose
	timerHeartbeat
	timerHeartbeatGrace
)

var timerNames = map[timerKind]string{
	timerConnect:        "connect",
	timerRetry:          "retry",
	timerSuspend:        "suspend",
	timerClose:          "close",
	timerHeartbeat:      "heartbeat",
	timerHeartbeatGrace: "heartbeatGrace",
}

func (k timerKind) String() string {
	if name, ok := timerNames[k]; ok {
		return name
	}

	return "unknown"
}

// Inputs. Everything the state machine reacts to arrives as one of
// these through the actor inbox: user actions, transport events and
// timer expiries. The actor processes one input at a time.

type input interface{}

type inputConnect struct {
	res *result
}

type inputClose struct {
	res *result
}

// inputSend is a user-level frame to transmit: a publish, a presence
// op, or an attach/detach. Publishes carry a result completed by the
// ack tracker.
type inputSend struct {
	msg *protocol.ProtocolMessage
	res *result
}

type inputDialed struct {
	t       transport.Transport
	err     error
	attempt uint64
}

type inputFrame struct {
	p *protocol.ProtocolMessage
}

type inputTransportClosed struct {
	reason error
}

type inputTimer struct {
	kind timerKind
	gen  uint64
}

type inputPing struct {
	res *result
}

// Effects. A transition returns an ordered list of these; the actor
// loop executes them in order. Keeping the transition function free
// of I/O keeps it testable.

type effectKind int

const (
	effDial effectKind = iota
	effDestroyTransport
	effSendFrame
	effArmTimer
	effCancelTimer
	effNotify
	effAck
	effNack
	effResendTracker
	effFailTracker
	effDrainPending
	effFailPending
	effClearKey
	effDispatchChannel
)

type effect struct {
	kind effectKind

	frame   *protocol.ProtocolMessage
	timer   timerKind
	delay   time.Duration
	change  StateChange
	serial  int64
	count   int
	err     error
	errInfo *protocol.ErrorInfo
	res     *result
}
