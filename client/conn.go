package client

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/internal/observe"
	"github.com/luma/beacon/protocol"
	"github.com/luma/beacon/transport"
)

const inboxSize = 64

// Conn is the connection state machine. It owns the active transport
// and the acknowledgement tracker, and is the only thing that mutates
// either.
//
// The machine is an actor: user actions, transport events and timer
// expiries are posted into a serialized inbox and processed one at a
// time by a single goroutine. Each input runs through a transition
// that updates the state and returns an ordered list of effects
// (send a frame, arm a timer, destroy the transport, notify
// listeners) which the loop then executes. User-facing operations
// return completion handles that resolve when the corresponding
// terminal frame arrives; they never block the loop.
type Conn struct {
	opts  *Options
	codec protocol.Codec
	log   *zap.Logger

	// channels is the registry fanout; set once before the loop starts.
	channels *Channels

	inbox chan input

	// Everything below is owned by the actor goroutine.
	state     ConnState
	transport transport.Transport
	id        string
	key       string
	serial    int64
	msgSerial int64
	details   *protocol.ConnectionDetails
	reason    *protocol.ErrorInfo

	tracker *ackTracker
	pending *pendingQueue

	retries       int
	dialAttempt   uint64
	suspendPassed bool

	timerGen     uint64
	timerGens    map[timerKind]uint64
	timerHandles map[timerKind]*time.Timer

	connectWaiters []*result
	closeWaiters   []*result
	pingWaiters    []*result

	// Mirror of the user-readable fields, refreshed by the actor after
	// every input so user goroutines can read without entering it.
	mu           sync.RWMutex
	mirrorState  ConnState
	mirrorID     string
	mirrorKey    string
	mirrorSerial int64
	mirrorReason *protocol.ErrorInfo

	watchersMu sync.Mutex
	watchers   map[chan StateChange]struct{}
}

func newConn(opts *Options, codec protocol.Codec) *Conn {
	c := &Conn{
		opts:         opts,
		codec:        codec,
		log:          opts.Log.Named("client"),
		inbox:        make(chan input, inboxSize),
		state:        ConnInitialized,
		mirrorState:  ConnInitialized,
		tracker:      newAckTracker(opts.AckQueueLimit),
		pending:      newPendingQueue(opts.PendingQueueLimit),
		timerGens:    make(map[timerKind]uint64),
		timerHandles: make(map[timerKind]*time.Timer),
		watchers:     make(map[chan StateChange]struct{}),
	}

	return c
}

func (c *Conn) start() {
	go c.loop()
}

// Connect asks the machine to reach Connected and waits for a
// definite outcome.
func (c *Conn) Connect(ctx context.Context) error {
	res := newResult()
	c.enqueue(inputConnect{res: res})
	return res.Wait(ctx)
}

// Close shuts the connection down and waits until it is Closed.
func (c *Conn) Close(ctx context.Context) error {
	res := newResult()
	c.enqueue(inputClose{res: res})
	return res.Wait(ctx)
}

// Ping performs a heartbeat round-trip.
func (c *Conn) Ping(ctx context.Context) error {
	res := newResult()
	c.enqueue(inputPing{res: res})
	return res.Wait(ctx)
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorState
}

// ID returns the connection id assigned by the server, if connected.
func (c *Conn) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorID
}

// Key returns the connection key presented on resume.
func (c *Conn) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorKey
}

// Serial returns the latest connection serial seen from the server.
func (c *Conn) Serial() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorSerial
}

// ErrorReason returns the error attached to the most recent
// error-caused transition, if any.
func (c *Conn) ErrorReason() *protocol.ErrorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirrorReason
}

// Watch registers a state watcher. Changes are delivered in
// transition order; a watcher that stops draining loses newer
// changes rather than stalling the machine. Call the returned func
// to unregister.
func (c *Conn) Watch() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)

	c.watchersMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchersMu.Unlock()

	cancel := func() {
		c.watchersMu.Lock()
		delete(c.watchers, ch)
		c.watchersMu.Unlock()
	}

	return ch, cancel
}

// send posts a user-level frame. The result, when non-nil, resolves
// on Ack/Nack for tracked frames.
func (c *Conn) send(msg *protocol.ProtocolMessage, res *result) {
	c.enqueue(inputSend{msg: msg, res: res})
}

func (c *Conn) enqueue(in input) {
	c.inbox <- in
}

func (c *Conn) loop() {
	for in := range c.inbox {
		for _, eff := range c.transition(in) {
			c.execute(eff)
		}

		c.syncMirror()
	}
}

func (c *Conn) syncMirror() {
	c.mu.Lock()
	c.mirrorState = c.state
	c.mirrorID = c.id
	c.mirrorKey = c.key
	c.mirrorSerial = c.serial
	c.mirrorReason = c.reason
	c.mu.Unlock()
}

// transition is the state machine proper: one input in, the next
// state stored, an ordered effect list out. No I/O happens here.
func (c *Conn) transition(in input) []effect {
	switch in := in.(type) {
	case inputConnect:
		return c.onConnect(in)
	case inputClose:
		return c.onClose(in)
	case inputSend:
		return c.onSend(in)
	case inputDialed:
		return c.onDialed(in)
	case inputFrame:
		return c.onFrame(in.p)
	case inputTransportClosed:
		return c.onTransportClosed(in)
	case inputTimer:
		return c.onTimer(in)
	case inputPing:
		return c.onPing(in)
	default:
		c.log.DPanic("Unknown input", zap.Any("input", in))
		return nil
	}
}

func (c *Conn) onConnect(in inputConnect) []effect {
	switch c.state {
	case ConnConnected:
		in.res.complete(nil)
		return nil

	case ConnConnecting:
		c.connectWaiters = append(c.connectWaiters, in.res)
		return nil

	case ConnClosing:
		in.res.complete(ErrConnectionClosed)
		return nil

	default:
		c.connectWaiters = append(c.connectWaiters, in.res)
		return c.startConnecting(c.state == ConnSuspended)
	}
}

// startConnecting moves to Connecting and begins a dial attempt. A
// fresh connect (from Suspended) forgets the resume key first.
func (c *Conn) startConnecting(fresh bool) []effect {
	effs := c.exitEffects()

	if fresh {
		effs = append(effs, effect{kind: effClearKey})
	}

	effs = append(effs, c.to(ConnConnecting, nil))
	effs = append(effs,
		effect{kind: effDial},
		effect{kind: effArmTimer, timer: timerConnect, delay: c.opts.ConnectTimeout},
	)

	return effs
}

func (c *Conn) onClose(in inputClose) []effect {
	switch c.state {
	case ConnClosed:
		in.res.complete(nil)
		return nil

	case ConnFailed:
		in.res.complete(nil)
		return nil

	case ConnClosing:
		c.closeWaiters = append(c.closeWaiters, in.res)
		return nil

	case ConnConnected:
		c.closeWaiters = append(c.closeWaiters, in.res)
		effs := c.exitEffects()
		effs = append(effs, c.to(ConnClosing, nil))
		effs = append(effs,
			effect{kind: effFailTracker, err: ErrDisconnected},
			effect{kind: effFailPending, err: ErrDisconnected},
			effect{kind: effSendFrame, frame: &protocol.ProtocolMessage{Action: protocol.ActionClose}},
			effect{kind: effArmTimer, timer: timerClose, delay: c.opts.RequestTimeout},
		)
		return effs

	case ConnConnecting:
		if c.transport != nil {
			c.closeWaiters = append(c.closeWaiters, in.res)
			effs := c.exitEffects()
			effs = append(effs, c.to(ConnClosing, nil))
			effs = append(effs,
				effect{kind: effSendFrame, frame: &protocol.ProtocolMessage{Action: protocol.ActionClose}},
				effect{kind: effArmTimer, timer: timerClose, delay: c.opts.RequestTimeout},
			)
			return effs
		}

		c.closeWaiters = append(c.closeWaiters, in.res)
		return c.enterClosed(nil)

	default:
		// Initialized, Disconnected, Suspended: no live transport.
		c.closeWaiters = append(c.closeWaiters, in.res)
		return c.enterClosed(nil)
	}
}

func (c *Conn) onSend(in inputSend) []effect {
	tracked := in.msg.Action == protocol.ActionMessage || in.msg.Action == protocol.ActionPresence

	switch c.state {
	case ConnConnected:
		if tracked {
			return []effect{{kind: effSendFrame, frame: in.msg, res: in.res}}
		}

		in.res.complete(nil)
		return []effect{{kind: effSendFrame, frame: in.msg}}

	case ConnInitialized, ConnConnecting, ConnDisconnected:
		if tracked {
			if err := c.pending.add(in.msg, in.res); err != nil {
				in.res.complete(err)
			}

			return nil
		}

		// Attach/detach frames are not queued: the channel machine
		// re-issues them itself once the connection is back.
		in.res.complete(nil)
		return nil

	case ConnSuspended:
		in.res.complete(ErrConnectionSuspended)
		return nil

	case ConnFailed:
		in.res.complete(ErrConnectionFailed)
		return nil

	default:
		// Closing, Closed: the frame is silently dropped.
		in.res.complete(ErrConnectionClosed)
		return nil
	}
}

func (c *Conn) onDialed(in inputDialed) []effect {
	if in.attempt != c.dialAttempt || c.state != ConnConnecting {
		// A dial that outlived its welcome; whoever wins next owns the
		// transport slot.
		if in.t != nil {
			in.t.Destroy()
		}

		return nil
	}

	if in.err != nil {
		errInfo := &protocol.ErrorInfo{
			Code:    protocol.CodeConnectionFailed,
			Message: in.err.Error(),
		}

		return c.connectionLost(errInfo)
	}

	c.transport = in.t

	connect := &protocol.ProtocolMessage{Action: protocol.ActionConnect}
	if c.key != "" {
		connect.ConnectionKey = c.key
		connect.ConnectionSerial = c.serial
	}

	return []effect{{kind: effSendFrame, frame: connect}}
}

// connectionLost routes a dropped or unreachable connection to
// Disconnected, or to Suspended when the state TTL has already
// lapsed.
func (c *Conn) connectionLost(errInfo *protocol.ErrorInfo) []effect {
	c.retries++

	effs := c.exitEffects()
	effs = append(effs, effect{kind: effDestroyTransport})

	if c.suspendPassed {
		return append(effs, c.enterSuspended(errInfo)...)
	}

	effs = append(effs, c.to(ConnDisconnected, errInfo))
	effs = append(effs, effect{kind: effArmTimer, timer: timerRetry, delay: c.retryDelay()})

	if _, armed := c.timerGens[timerSuspend]; !armed {
		effs = append(effs, effect{kind: effArmTimer, timer: timerSuspend, delay: c.stateTTL()})
	}

	return effs
}

func (c *Conn) enterSuspended(errInfo *protocol.ErrorInfo) []effect {
	if errInfo == nil {
		errInfo = &protocol.ErrorInfo{
			Code:    protocol.CodeConnectionSuspended,
			Message: "connection state TTL elapsed without reconnecting",
		}
	}

	return []effect{
		effect{kind: effCancelTimer, timer: timerSuspend},
		c.to(ConnSuspended, errInfo),
		effect{kind: effFailPending, err: ErrConnectionSuspended},
		effect{kind: effArmTimer, timer: timerRetry, delay: c.opts.SuspendedRetryTimeout},
	}
}

func (c *Conn) onFrame(p *protocol.ProtocolMessage) []effect {
	handled, effs := c.handleFrame(p)
	if !handled {
		c.log.Debug("Ignoring frame",
			zap.Stringer("action", p.Action),
			zap.Stringer("state", c.state))
	}

	return effs
}

// handleFrame reacts to one inbound frame. It reports whether the
// frame was handled; in Closed and Failed every frame is ignored.
func (c *Conn) handleFrame(p *protocol.ProtocolMessage) (bool, []effect) {
	if c.state == ConnClosed || c.state == ConnFailed {
		return false, nil
	}

	observe.IncFrame("in")

	if !p.Action.Valid() {
		errInfo := &protocol.ErrorInfo{
			Code:    protocol.CodeProtocolViolation,
			Message: "unrecognised action " + strconv.FormatInt(int64(p.Action), 10),
		}

		return true, c.enterFailed(errInfo)
	}

	// Any frame counts as activity for the heartbeat monitor.
	var effs []effect
	if c.state == ConnConnected {
		effs = append(effs,
			effect{kind: effCancelTimer, timer: timerHeartbeatGrace},
			effect{kind: effArmTimer, timer: timerHeartbeat, delay: c.idleInterval()},
		)
	}

	if p.ConnectionSerial != 0 {
		c.serial = p.ConnectionSerial
	}

	switch p.Action {
	case protocol.ActionHeartbeat:
		for _, res := range c.pingWaiters {
			res.complete(nil)
		}
		c.pingWaiters = nil
		return true, effs

	case protocol.ActionConnected:
		return true, append(effs, c.onConnectedFrame(p)...)

	case protocol.ActionAck:
		return true, append(effs, effect{kind: effAck, serial: p.MsgSerial, count: p.Count})

	case protocol.ActionNack:
		return true, append(effs, effect{kind: effNack, serial: p.MsgSerial, count: p.Count, errInfo: p.Error})

	case protocol.ActionDisconnect, protocol.ActionDisconnected:
		if c.state != ConnConnected && c.state != ConnConnecting {
			return false, effs
		}

		return true, append(effs, c.connectionLost(p.Error)...)

	case protocol.ActionClosed:
		if c.state != ConnClosing {
			return false, effs
		}

		return true, append(effs, c.enterClosed(p.Error)...)

	case protocol.ActionError:
		if p.Channel != "" {
			return true, append(effs, effect{kind: effDispatchChannel, frame: p})
		}

		if c.state == ConnConnecting || (p.Error != nil && p.Error.Fatal()) {
			return true, append(effs, c.enterFailed(p.Error)...)
		}

		return true, append(effs, c.connectionLost(p.Error)...)

	case protocol.ActionAttached, protocol.ActionDetached,
		protocol.ActionMessage, protocol.ActionPresence, protocol.ActionSync:
		return true, append(effs, effect{kind: effDispatchChannel, frame: p})

	default:
		// Connect, Close (including a Close in Initialized), Attach and
		// Detach: frames the client never expects inbound and that
		// require nothing of us.
		return false, effs
	}
}

func (c *Conn) onConnectedFrame(p *protocol.ProtocolMessage) []effect {
	if c.state == ConnConnected {
		// A re-auth or an in-place update of connection details.
		c.details = p.ConnectionDetails
		return nil
	}

	if c.state != ConnConnecting {
		return nil
	}

	prevID := c.id
	resumed := prevID != "" && prevID == p.ConnectionID

	c.id = p.ConnectionID
	c.details = p.ConnectionDetails

	c.key = p.ConnectionKey
	if p.ConnectionDetails != nil && p.ConnectionDetails.ConnectionKey != "" {
		c.key = p.ConnectionDetails.ConnectionKey
	}

	c.retries = 0
	c.suspendPassed = false

	effs := c.exitEffects()
	effs = append(effs,
		effect{kind: effCancelTimer, timer: timerRetry},
		effect{kind: effCancelTimer, timer: timerSuspend},
		c.to(ConnConnected, p.Error),
	)

	if resumed {
		effs = append(effs, effect{kind: effResendTracker})
	} else {
		if prevID != "" {
			effs = append(effs, effect{kind: effFailTracker, err: ErrDisconnected})
		}

		c.msgSerial = 0
	}

	effs = append(effs,
		effect{kind: effDrainPending},
		effect{kind: effArmTimer, timer: timerHeartbeat, delay: c.idleInterval()},
	)

	for _, res := range c.connectWaiters {
		res.complete(nil)
	}
	c.connectWaiters = nil

	return effs
}

func (c *Conn) onTransportClosed(in inputTransportClosed) []effect {
	switch c.state {
	case ConnConnected, ConnConnecting:
		errInfo := &protocol.ErrorInfo{Code: protocol.CodeDisconnected}
		if in.reason != nil {
			errInfo.Message = in.reason.Error()
		}

		return c.connectionLost(errInfo)

	case ConnClosing:
		return c.enterClosed(nil)

	default:
		return nil
	}
}

func (c *Conn) onTimer(in inputTimer) []effect {
	if c.timerGens[in.kind] != in.gen {
		// A stale expiry from a timer that was since re-armed or
		// cancelled.
		return nil
	}

	delete(c.timerGens, in.kind)
	delete(c.timerHandles, in.kind)

	switch in.kind {
	case timerConnect:
		if c.state != ConnConnecting {
			return nil
		}

		return c.enterFailed(&protocol.ErrorInfo{
			Code:    protocol.CodeConnectionFailed,
			Message: "connection attempt timed out",
		})

	case timerRetry:
		switch c.state {
		case ConnDisconnected:
			return c.startConnecting(false)
		case ConnSuspended:
			return c.startConnecting(true)
		}

		return nil

	case timerSuspend:
		if c.state == ConnDisconnected {
			effs := c.exitEffects()
			return append(effs, c.enterSuspended(nil)...)
		}

		// An attempt is mid-flight; remember the deadline passed and
		// suspend when it fails.
		c.suspendPassed = true
		return nil

	case timerClose:
		if c.state != ConnClosing {
			return nil
		}

		return c.enterClosed(nil)

	case timerHeartbeat:
		if c.state != ConnConnected {
			return nil
		}

		return []effect{
			{kind: effSendFrame, frame: &protocol.ProtocolMessage{Action: protocol.ActionHeartbeat}},
			{kind: effArmTimer, timer: timerHeartbeatGrace, delay: c.opts.HeartbeatGrace},
		}

	case timerHeartbeatGrace:
		if c.state != ConnConnected {
			return nil
		}

		return c.connectionLost(&protocol.ErrorInfo{
			Code:    protocol.CodeDisconnected,
			Message: "heartbeat timed out",
		})
	}

	return nil
}

func (c *Conn) onPing(in inputPing) []effect {
	if c.state != ConnConnected {
		in.res.complete(c.stateError())
		return nil
	}

	c.pingWaiters = append(c.pingWaiters, in.res)
	return []effect{{kind: effSendFrame, frame: &protocol.ProtocolMessage{Action: protocol.ActionHeartbeat}}}
}

// enterClosed performs the Closed entry obligations: the transport is
// destroyed, the connection key cleared, and every outstanding handle
// resolved.
func (c *Conn) enterClosed(errInfo *protocol.ErrorInfo) []effect {
	effs := c.exitEffects()
	effs = append(effs,
		effect{kind: effCancelTimer, timer: timerRetry},
		effect{kind: effCancelTimer, timer: timerSuspend},
		effect{kind: effDestroyTransport},
		effect{kind: effClearKey},
		effect{kind: effFailTracker, err: ErrDisconnected},
		effect{kind: effFailPending, err: ErrDisconnected},
		c.to(ConnClosed, errInfo),
	)

	for _, res := range c.connectWaiters {
		res.complete(ErrConnectionClosed)
	}
	c.connectWaiters = nil

	for _, res := range c.pingWaiters {
		res.complete(ErrConnectionClosed)
	}
	c.pingWaiters = nil

	for _, res := range c.closeWaiters {
		res.complete(nil)
	}
	c.closeWaiters = nil

	return effs
}

func (c *Conn) enterFailed(errInfo *protocol.ErrorInfo) []effect {
	effs := c.exitEffects()
	effs = append(effs,
		effect{kind: effCancelTimer, timer: timerRetry},
		effect{kind: effCancelTimer, timer: timerSuspend},
		effect{kind: effDestroyTransport},
		effect{kind: effFailTracker, err: ErrConnectionFailed},
		effect{kind: effFailPending, err: ErrConnectionFailed},
		c.to(ConnFailed, errInfo),
	)

	for _, res := range c.connectWaiters {
		res.complete(ErrConnectionFailed)
	}
	c.connectWaiters = nil

	for _, res := range c.pingWaiters {
		res.complete(ErrConnectionFailed)
	}
	c.pingWaiters = nil

	for _, res := range c.closeWaiters {
		res.complete(nil)
	}
	c.closeWaiters = nil

	return effs
}

// exitEffects are the on-exit obligations of the current state.
func (c *Conn) exitEffects() []effect {
	switch c.state {
	case ConnConnecting:
		return []effect{{kind: effCancelTimer, timer: timerConnect}}

	case ConnConnected:
		return []effect{
			{kind: effCancelTimer, timer: timerHeartbeat},
			{kind: effCancelTimer, timer: timerHeartbeatGrace},
		}

	case ConnDisconnected:
		return []effect{{kind: effCancelTimer, timer: timerRetry}}

	case ConnSuspended:
		return []effect{{kind: effCancelTimer, timer: timerRetry}}

	case ConnClosing:
		return []effect{{kind: effCancelTimer, timer: timerClose}}
	}

	return nil
}

// to records the state change and returns its notify effect.
func (c *Conn) to(next ConnState, errInfo *protocol.ErrorInfo) effect {
	change := StateChange{Previous: c.state, Current: next, Reason: errInfo}
	c.state = next

	if errInfo != nil {
		c.reason = errInfo
	}

	return effect{kind: effNotify, change: change}
}

func (c *Conn) stateError() error {
	switch c.state {
	case ConnClosed, ConnClosing:
		return ErrConnectionClosed
	case ConnFailed:
		return ErrConnectionFailed
	case ConnSuspended:
		return ErrConnectionSuspended
	default:
		return ErrDisconnected
	}
}

func (c *Conn) retryDelay() time.Duration {
	d := 250 * time.Millisecond << uint(c.retries)
	if d > c.opts.RetryTimeout || d <= 0 {
		return c.opts.RetryTimeout
	}

	return d
}

// stateTTL is the window the server keeps resumable state for; the
// server-advertised value wins over the configured default.
func (c *Conn) stateTTL() time.Duration {
	if c.details != nil && c.details.ConnectionStateTTL > 0 {
		return time.Duration(c.details.ConnectionStateTTL) * time.Millisecond
	}

	return c.opts.ConnectionStateTTL
}

func (c *Conn) idleInterval() time.Duration {
	if c.details != nil && c.details.MaxIdleInterval > 0 {
		return time.Duration(c.details.MaxIdleInterval) * time.Millisecond
	}

	return c.stateTTL()
}

// execute runs one effect. This is the only place the actor touches
// the outside world.
func (c *Conn) execute(eff effect) {
	switch eff.kind {
	case effDial:
		c.doDial()

	case effDestroyTransport:
		if c.transport != nil {
			if err := c.transport.Destroy(); err != nil {
				c.log.Warn("Transport did not destroy cleanly", zap.Error(err))
			}

			c.transport = nil
		}

	case effSendFrame:
		c.transmit(eff.frame, eff.res)

	case effArmTimer:
		c.armTimer(eff.timer, eff.delay)

	case effCancelTimer:
		c.cancelTimer(eff.timer)

	case effNotify:
		c.notify(eff.change)

	case effAck:
		observe.IncAck("ack")
		c.tracker.ack(eff.serial, eff.count)

	case effNack:
		observe.IncAck("nack")
		var err error = eff.errInfo
		if eff.errInfo == nil {
			err = ErrDisconnected
		}

		c.tracker.nack(eff.serial, eff.count, err)

	case effResendTracker:
		for _, frame := range c.tracker.pending() {
			c.transmit(frame, nil)
		}

	case effFailTracker:
		c.tracker.failAll(eff.err)

	case effDrainPending:
		for _, item := range c.pending.drain() {
			c.transmit(item.msg, item.res)
		}

	case effFailPending:
		c.pending.failAll(eff.err)

	case effClearKey:
		c.key = ""
		c.id = ""

	case effDispatchChannel:
		if c.channels != nil {
			for _, frame := range c.channels.dispatch(eff.frame) {
				c.transmit(frame, nil)
			}
		}
	}
}

// transmit writes one frame to the live transport. Tracked frames
// (publishes, presence ops) get a serial assigned here, at actual
// send time, so serial order always matches send order; the frame is
// registered with the tracker before it hits the wire.
func (c *Conn) transmit(frame *protocol.ProtocolMessage, res *result) {
	if c.transport == nil {
		res.complete(ErrDisconnected)
		return
	}

	if res != nil {
		frame.MsgSerial = c.msgSerial
		c.msgSerial++
		c.tracker.add(frame.MsgSerial, frame, res)
		observe.IncPublish()
	}

	observe.IncFrame("out")

	if err := c.transport.Send(frame); err != nil {
		// The read side will notice the dead transport and post a
		// close event; the tracker entry stays pending for resume.
		c.log.Warn("Failed to write frame",
			zap.Stringer("action", frame.Action),
			zap.Error(err))
	}
}

func (c *Conn) doDial() {
	c.dialAttempt++
	attempt := c.dialAttempt

	urls := c.opts.urls()
	raw := urls[int(attempt-1)%len(urls)]

	dialURL, err := c.dialURL(raw)
	if err != nil {
		go c.enqueue(inputDialed{err: err, attempt: attempt})
		return
	}

	opts := transport.Options{
		URL:         dialURL,
		Codec:       c.codec,
		DialTimeout: c.opts.ConnectTimeout,
		Trace:       c.opts.Trace,
		Log:         c.opts.Log.Named("transport"),
	}

	events := transport.Events{
		OnFrame: func(p *protocol.ProtocolMessage) {
			c.enqueue(inputFrame{p: p})
		},
		OnClose: func(reason error) {
			c.enqueue(inputTransportClosed{reason: reason})
		},
		OnError: func(err error) {
			c.log.Warn("Transport frame error", zap.Error(err))
		},
	}

	go func() {
		t, err := c.opts.Dialer(context.Background(), opts, events)
		c.enqueue(inputDialed{t: t, err: err, attempt: attempt})
	}()
}

// dialURL decorates the endpoint with the connection query: wire
// format, auth, identity, and the resume key when we hold one.
func (c *Conn) dialURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("format", c.codec.Name())

	if c.opts.Key != "" {
		q.Set("key", c.opts.Key)
	}

	if c.opts.ClientID != "" {
		q.Set("clientId", c.opts.ClientID)
	}

	if c.key != "" {
		q.Set("resume", c.key)
		q.Set("connectionSerial", strconv.FormatInt(c.serial, 10))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) armTimer(kind timerKind, d time.Duration) {
	c.cancelTimer(kind)

	c.timerGen++
	gen := c.timerGen
	c.timerGens[kind] = gen

	c.timerHandles[kind] = time.AfterFunc(d, func() {
		c.enqueue(inputTimer{kind: kind, gen: gen})
	})
}

func (c *Conn) cancelTimer(kind timerKind) {
	if handle, ok := c.timerHandles[kind]; ok {
		handle.Stop()
		delete(c.timerHandles, kind)
		delete(c.timerGens, kind)
	}
}

func (c *Conn) notify(change StateChange) {
	c.log.Debug("Connection state changed",
		zap.Stringer("from", change.Previous),
		zap.Stringer("to", change.Current))

	observe.SetConnectionState(int(change.Current))

	if change.Current == ConnConnecting && change.Previous != ConnInitialized {
		observe.IncReconnect()
	}

	c.mu.Lock()
	c.mirrorState = c.state
	c.mu.Unlock()

	c.watchersMu.Lock()
	for ch := range c.watchers {
		select {
		case ch <- change:
		default:
			c.log.Warn("Dropping state change for slow watcher",
				zap.Stringer("to", change.Current))
		}
	}
	c.watchersMu.Unlock()

	if c.channels != nil {
		for _, frame := range c.channels.connStateChanged(change) {
			c.transmit(frame, nil)
		}
	}
}
