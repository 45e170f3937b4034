package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/internal/observe"
	"github.com/luma/beacon/protocol"
)

// ChannelState is the channel state machine's state.
type ChannelState int

const (
	ChanInitialized ChannelState = iota
	ChanAttaching
	ChanAttached
	ChanDetaching
	ChanDetached
	ChanSuspended
	ChanFailed
)

var chanStateNames = map[ChannelState]string{
	ChanInitialized: "INITIALIZED",
	ChanAttaching:   "ATTACHING",
	ChanAttached:    "ATTACHED",
	ChanDetaching:   "DETACHING",
	ChanDetached:    "DETACHED",
	ChanSuspended:   "SUSPENDED",
	ChanFailed:      "FAILED",
}

func (s ChannelState) String() string {
	if name, ok := chanStateNames[s]; ok {
		return name
	}

	return "UNKNOWN"
}

// ChannelStateChange is delivered, in transition order, to channel
// state watchers.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Reason   *protocol.ErrorInfo
}

// Channel is a named logical stream. It piggybacks on the connection
// to send attach/detach and publishes, and receives message, presence
// and sync frames dispatched by the connection actor.
//
// A channel holds only its name, its options and a handle to the
// connection; the registry owns it.
type Channel struct {
	name     string
	conn     *Conn
	opts     *codec.ChannelOptions
	pipeline *codec.Pipeline
	log      *zap.Logger

	mu            sync.Mutex
	state         ChannelState
	reason        *protocol.ErrorInfo
	serial        string
	attachWaiters []*result
	detachWaiters []*result

	subs         map[*Subscription]struct{}
	presenceSubs map[*PresenceSubscription]struct{}

	// presence is the channel's view of who is present, maintained
	// through the post-attach sync and live presence frames.
	presence map[string]*protocol.PresenceMessage
	syncing  bool

	watchers map[chan ChannelStateChange]struct{}
}

func newChannel(name string, conn *Conn, opts *codec.ChannelOptions, pipeline *codec.Pipeline, log *zap.Logger) *Channel {
	return &Channel{
		name:         name,
		conn:         conn,
		opts:         opts,
		pipeline:     pipeline,
		log:          log.With(zap.String("channel", name)),
		state:        ChanInitialized,
		subs:         make(map[*Subscription]struct{}),
		presenceSubs: make(map[*PresenceSubscription]struct{}),
		presence:     make(map[string]*protocol.PresenceMessage),
		watchers:     make(map[chan ChannelStateChange]struct{}),
	}
}

// Name returns the channel name.
func (ch *Channel) Name() string {
	return ch.name
}

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// ErrorReason returns the error behind the most recent error-caused
// transition, if any.
func (ch *Channel) ErrorReason() *protocol.ErrorInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// Serial returns the latest channel serial seen from the server.
func (ch *Channel) Serial() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.serial
}

// Watch registers a channel state watcher; call the returned func to
// unregister.
func (ch *Channel) Watch() (<-chan ChannelStateChange, func()) {
	wch := make(chan ChannelStateChange, 16)

	ch.mu.Lock()
	ch.watchers[wch] = struct{}{}
	ch.mu.Unlock()

	cancel := func() {
		ch.mu.Lock()
		delete(ch.watchers, wch)
		ch.mu.Unlock()
	}

	return wch, cancel
}

// Attach asks the server to attach this channel and waits for the
// Attached frame. While the connection is down the attach stays
// wanted: the channel re-issues it as soon as the connection is back.
func (ch *Channel) Attach(ctx context.Context) error {
	ch.mu.Lock()

	switch ch.state {
	case ChanAttached:
		ch.mu.Unlock()
		return nil

	case ChanFailed:
		ch.mu.Unlock()
		return ErrChannelFailed
	}

	res := newResult()
	ch.attachWaiters = append(ch.attachWaiters, res)

	if ch.state != ChanAttaching {
		ch.set(ChanAttaching, nil)
	}

	ch.mu.Unlock()

	ch.conn.send(ch.attachFrame(), nil)

	return res.Wait(ctx)
}

// Detach detaches the channel and waits for the Detached frame.
func (ch *Channel) Detach(ctx context.Context) error {
	ch.mu.Lock()

	switch ch.state {
	case ChanInitialized, ChanDetached:
		ch.set(ChanDetached, nil)
		ch.mu.Unlock()
		return nil

	case ChanFailed:
		ch.mu.Unlock()
		return ErrChannelFailed
	}

	res := newResult()
	ch.detachWaiters = append(ch.detachWaiters, res)

	if ch.state != ChanDetaching {
		ch.set(ChanDetaching, nil)
	}

	ch.mu.Unlock()

	ch.conn.send(&protocol.ProtocolMessage{
		Action:  protocol.ActionDetach,
		Channel: ch.name,
	}, nil)

	return res.Wait(ctx)
}

// Publish encodes one message through the payload pipeline and sends
// it, completing when the matching Ack or Nack arrives. Publishes
// issued while the connection is down are queued, bounded, and
// flushed in order on reconnect.
func (ch *Channel) Publish(ctx context.Context, name string, data interface{}) error {
	res, err := ch.publish(name, data)
	if err != nil {
		return err
	}

	return res.Wait(ctx)
}

func (ch *Channel) publish(name string, data interface{}) (*result, error) {
	if !ch.modeAllowed(codec.ModePublish) {
		return nil, ErrChannelModeViolation
	}

	ch.mu.Lock()
	state := ch.state
	ch.mu.Unlock()

	switch state {
	case ChanFailed:
		return nil, ErrChannelFailed
	case ChanSuspended:
		return nil, ErrChannelSuspended
	}

	m := &protocol.Message{Name: name, Data: data}
	if err := ch.pipeline.EncodeMessage(m, ch.opts); err != nil {
		return nil, err
	}

	res := newResult()
	ch.conn.send(&protocol.ProtocolMessage{
		Action:   protocol.ActionMessage,
		Channel:  ch.name,
		Messages: []*protocol.Message{m},
	}, res)

	return res, nil
}

// EnterPresence announces this client as present on the channel.
func (ch *Channel) EnterPresence(ctx context.Context, data interface{}) error {
	return ch.sendPresence(ctx, protocol.PresenceEnter, data)
}

// UpdatePresence updates this client's presence data.
func (ch *Channel) UpdatePresence(ctx context.Context, data interface{}) error {
	return ch.sendPresence(ctx, protocol.PresenceUpdate, data)
}

// LeavePresence removes this client from the channel's presence.
func (ch *Channel) LeavePresence(ctx context.Context, data interface{}) error {
	return ch.sendPresence(ctx, protocol.PresenceLeave, data)
}

func (ch *Channel) sendPresence(ctx context.Context, action protocol.PresenceAction, data interface{}) error {
	if !ch.modeAllowed(codec.ModePresence) {
		return ErrChannelModeViolation
	}

	m := &protocol.PresenceMessage{
		Action:   action,
		ClientID: ch.conn.opts.ClientID,
		Data:     data,
	}

	if err := ch.pipeline.EncodePresence(m, ch.opts); err != nil {
		return err
	}

	res := newResult()
	ch.conn.send(&protocol.ProtocolMessage{
		Action:   protocol.ActionPresence,
		Channel:  ch.name,
		Presence: []*protocol.PresenceMessage{m},
	}, res)

	return res.Wait(ctx)
}

// Subscription receives the messages delivered on a channel, in frame
// order. A subscriber that stops draining loses newer messages rather
// than stalling delivery for everyone else.
type Subscription struct {
	channel *Channel
	name    string
	msgs    chan *protocol.Message
}

// Messages is the stream of inbound messages.
func (s *Subscription) Messages() <-chan *protocol.Message {
	return s.msgs
}

// Unsubscribe detaches this subscription from the channel.
func (s *Subscription) Unsubscribe() {
	s.channel.mu.Lock()
	delete(s.channel.subs, s)
	s.channel.mu.Unlock()
}

// Subscribe registers for messages on this channel. With a name only
// messages published under that name are delivered; with "" every
// message is.
func (ch *Channel) Subscribe(name string) *Subscription {
	sub := &Subscription{
		channel: ch,
		name:    name,
		msgs:    make(chan *protocol.Message, ch.conn.opts.SubscriptionBuffer),
	}

	ch.mu.Lock()
	ch.subs[sub] = struct{}{}
	ch.mu.Unlock()

	return sub
}

// PresenceSubscription receives presence transitions on a channel.
type PresenceSubscription struct {
	channel *Channel
	msgs    chan *protocol.PresenceMessage
}

// Presence is the stream of inbound presence transitions.
func (s *PresenceSubscription) Presence() <-chan *protocol.PresenceMessage {
	return s.msgs
}

func (s *PresenceSubscription) Unsubscribe() {
	s.channel.mu.Lock()
	delete(s.channel.presenceSubs, s)
	s.channel.mu.Unlock()
}

// SubscribePresence registers for presence transitions on this
// channel.
func (ch *Channel) SubscribePresence() *PresenceSubscription {
	sub := &PresenceSubscription{
		channel: ch,
		msgs:    make(chan *protocol.PresenceMessage, ch.conn.opts.SubscriptionBuffer),
	}

	ch.mu.Lock()
	ch.presenceSubs[sub] = struct{}{}
	ch.mu.Unlock()

	return sub
}

// PresenceMembers returns a snapshot of the channel's presence set.
func (ch *Channel) PresenceMembers() []*protocol.PresenceMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	members := make([]*protocol.PresenceMessage, 0, len(ch.presence))
	for _, m := range ch.presence {
		members = append(members, m)
	}

	return members
}

// PresenceSynced reports whether the post-attach presence sync has
// completed.
func (ch *Channel) PresenceSynced() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return !ch.syncing
}

// modeAllowed reports whether the channel's modes permit an
// operation. A channel with no explicit modes permits everything.
func (ch *Channel) modeAllowed(mode codec.ChannelMode) bool {
	if ch.opts == nil || len(ch.opts.Modes) == 0 {
		return true
	}

	for _, m := range ch.opts.Modes {
		if m == mode {
			return true
		}
	}

	return false
}

func (ch *Channel) attachFrame() *protocol.ProtocolMessage {
	return &protocol.ProtocolMessage{
		Action:  protocol.ActionAttach,
		Channel: ch.name,
	}
}

// handleFrame reacts to a frame dispatched by the connection actor.
// It returns any frames the connection should transmit in response.
func (ch *Channel) handleFrame(p *protocol.ProtocolMessage) []*protocol.ProtocolMessage {
	switch p.Action {
	case protocol.ActionAttached:
		return ch.onAttached(p)

	case protocol.ActionDetached:
		return ch.onDetached(p)

	case protocol.ActionMessage:
		ch.onMessage(p)

	case protocol.ActionPresence:
		ch.onPresence(p)

	case protocol.ActionSync:
		ch.onSync(p)

	case protocol.ActionError:
		ch.mu.Lock()
		ch.set(ChanFailed, p.Error)
		ch.failWaiters(ErrChannelFailed)
		ch.mu.Unlock()
	}

	return nil
}

func (ch *Channel) onAttached(p *protocol.ProtocolMessage) []*protocol.ProtocolMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.serial = p.ChannelSerial

	if p.Flags.Has(protocol.FlagHasPresence) {
		// Members exist; a presence sync follows. The set is rebuilt
		// from the sync so stale members from before a reattach drop
		// out.
		ch.syncing = true
		ch.presence = make(map[string]*protocol.PresenceMessage)
	} else {
		ch.syncing = false
		ch.presence = make(map[string]*protocol.PresenceMessage)
	}

	ch.set(ChanAttached, p.Error)

	for _, res := range ch.attachWaiters {
		res.complete(nil)
	}
	ch.attachWaiters = nil

	return nil
}

func (ch *Channel) onDetached(p *protocol.ProtocolMessage) []*protocol.ProtocolMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state == ChanDetaching {
		ch.set(ChanDetached, p.Error)

		for _, res := range ch.detachWaiters {
			res.complete(nil)
		}
		ch.detachWaiters = nil

		return nil
	}

	if ch.state == ChanAttached || ch.state == ChanAttaching {
		// Server-initiated detach: the attachment is still wanted, so
		// go straight back to attaching.
		ch.set(ChanAttaching, p.Error)
		return []*protocol.ProtocolMessage{ch.attachFrame()}
	}

	return nil
}

func (ch *Channel) onMessage(p *protocol.ProtocolMessage) {
	ch.mu.Lock()
	subs := make([]*Subscription, 0, len(ch.subs))
	for sub := range ch.subs {
		subs = append(subs, sub)
	}
	ch.mu.Unlock()

	for _, m := range p.Messages {
		if err := ch.pipeline.DecodeMessage(m, ch.opts); err != nil {
			// The message is degraded, not dropped: it is delivered
			// with the partially decoded data and residual encoding.
			ch.log.Warn("Failed to decode message",
				zap.String("id", m.ID),
				zap.String("residualEncoding", m.Encoding),
				zap.Error(err))
		}

		observe.IncMessageReceived()

		for _, sub := range subs {
			if sub.name != "" && sub.name != m.Name {
				continue
			}

			select {
			case sub.msgs <- m:
			default:
				ch.log.Warn("Dropping message for slow subscriber",
					zap.String("id", m.ID))
			}
		}
	}
}

func (ch *Channel) onPresence(p *protocol.ProtocolMessage) {
	ch.mu.Lock()
	subs := make([]*PresenceSubscription, 0, len(ch.presenceSubs))
	for sub := range ch.presenceSubs {
		subs = append(subs, sub)
	}
	ch.mu.Unlock()

	for _, m := range p.Presence {
		if err := ch.pipeline.DecodePresence(m, ch.opts); err != nil {
			ch.log.Warn("Failed to decode presence message",
				zap.String("id", m.ID),
				zap.Error(err))
		}

		ch.applyPresence(m)

		for _, sub := range subs {
			select {
			case sub.msgs <- m:
			default:
				ch.log.Warn("Dropping presence message for slow subscriber",
					zap.String("id", m.ID))
			}
		}
	}
}

// onSync folds one page of the post-attach presence sync into the
// member set. A Sync frame with an empty channel serial is the last
// page.
func (ch *Channel) onSync(p *protocol.ProtocolMessage) {
	for _, m := range p.Presence {
		if err := ch.pipeline.DecodePresence(m, ch.opts); err != nil {
			ch.log.Warn("Failed to decode presence sync entry", zap.Error(err))
		}

		ch.applyPresence(m)
	}

	if p.ChannelSerial == "" {
		ch.mu.Lock()
		ch.syncing = false
		ch.mu.Unlock()
	}
}

func (ch *Channel) applyPresence(m *protocol.PresenceMessage) {
	key := m.ConnectionID + ":" + m.ClientID

	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch m.Action {
	case protocol.PresenceEnter, protocol.PresencePresent, protocol.PresenceUpdate:
		ch.presence[key] = m

	case protocol.PresenceLeave, protocol.PresenceAbsent:
		delete(ch.presence, key)
	}
}

// connStateChanged is called by the connection actor on every
// connection transition. It returns frames the connection should
// transmit: a fresh Attach for every channel whose attachment is
// still wanted after a reconnect, and a fresh Detach for every
// channel still detaching.
func (ch *Channel) connStateChanged(change StateChange) []*protocol.ProtocolMessage {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch change.Current {
	case ConnConnected:
		if ch.state == ChanAttaching || ch.state == ChanAttached || ch.state == ChanSuspended {
			ch.set(ChanAttaching, nil)
			return []*protocol.ProtocolMessage{ch.attachFrame()}
		}

		if ch.state == ChanDetaching {
			return []*protocol.ProtocolMessage{{
				Action:  protocol.ActionDetach,
				Channel: ch.name,
			}}
		}

	case ConnSuspended:
		if ch.state == ChanAttaching || ch.state == ChanAttached || ch.state == ChanDetaching {
			ch.set(ChanSuspended, change.Reason)
			ch.failWaiters(ErrChannelSuspended)
		}

	case ConnClosed:
		if ch.state != ChanInitialized && ch.state != ChanFailed {
			ch.set(ChanDetached, nil)
			ch.failWaiters(ErrConnectionClosed)
		}

	case ConnFailed:
		if ch.state != ChanInitialized {
			ch.set(ChanFailed, change.Reason)
			ch.failWaiters(ErrChannelFailed)
		}
	}

	return nil
}

// set records a state change and notifies watchers. Callers hold
// ch.mu.
func (ch *Channel) set(next ChannelState, errInfo *protocol.ErrorInfo) {
	if ch.state == next && errInfo == nil {
		return
	}

	change := ChannelStateChange{Previous: ch.state, Current: next, Reason: errInfo}
	ch.state = next

	if errInfo != nil {
		ch.reason = errInfo
	}

	ch.log.Debug("Channel state changed",
		zap.Stringer("from", change.Previous),
		zap.Stringer("to", change.Current))

	for wch := range ch.watchers {
		select {
		case wch <- change:
		default:
			ch.log.Warn("Dropping channel state change for slow watcher")
		}
	}
}

// failWaiters resolves every outstanding attach/detach handle with
// err. Callers hold ch.mu.
func (ch *Channel) failWaiters(err error) {
	for _, res := range ch.attachWaiters {
		res.complete(err)
	}
	ch.attachWaiters = nil

	for _, res := range ch.detachWaiters {
		res.complete(err)
	}
	ch.detachWaiters = nil
}
