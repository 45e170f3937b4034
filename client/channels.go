package client

import (
	"sync"

	"go.uber.org/zap"

	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/protocol"
)

// Channels is the channel registry: one Channel per unique name,
// created on first reference, destroyed only by Release. User
// goroutines read it freely; only Get and Release mutate it, and
// frame dispatch comes exclusively from the connection actor.
type Channels struct {
	conn     *Conn
	pipeline *codec.Pipeline
	log      *zap.Logger

	mu sync.RWMutex
	m  map[string]*Channel
}

func newChannels(conn *Conn, pipeline *codec.Pipeline, log *zap.Logger) *Channels {
	return &Channels{
		conn:     conn,
		pipeline: pipeline,
		log:      log.Named("channel"),
		m:        make(map[string]*Channel),
	}
}

// Get returns the channel with the given name, creating it on first
// reference. Options are applied only at creation; later Gets return
// the existing channel unchanged.
func (cs *Channels) Get(name string, opts ...*codec.ChannelOptions) *Channel {
	cs.mu.RLock()
	ch, ok := cs.m[name]
	cs.mu.RUnlock()

	if ok {
		return ch
	}

	var chOpts *codec.ChannelOptions
	if len(opts) > 0 {
		chOpts = opts[0]
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ch, ok := cs.m[name]; ok {
		return ch
	}

	ch = newChannel(name, cs.conn, chOpts, cs.pipeline, cs.log)
	cs.m[name] = ch

	return ch
}

// Release removes a channel from the registry. The channel must be
// detached (or never attached) first.
func (cs *Channels) Release(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.m[name]
	if !ok {
		return nil
	}

	switch ch.State() {
	case ChanInitialized, ChanDetached, ChanFailed:
		delete(cs.m, name)
		return nil
	}

	return ErrChannelAttached
}

// All returns a snapshot of every live channel.
func (cs *Channels) All() []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	all := make([]*Channel, 0, len(cs.m))
	for _, ch := range cs.m {
		all = append(all, ch)
	}

	return all
}

// dispatch routes a channel-scoped frame. Called from the connection
// actor; returns frames the connection should transmit in response.
func (cs *Channels) dispatch(p *protocol.ProtocolMessage) []*protocol.ProtocolMessage {
	cs.mu.RLock()
	ch, ok := cs.m[p.Channel]
	cs.mu.RUnlock()

	if !ok {
		cs.log.Debug("Frame for unknown channel",
			zap.String("channel", p.Channel),
			zap.Stringer("action", p.Action))
		return nil
	}

	return ch.handleFrame(p)
}

// connStateChanged fans a connection transition out to every channel.
// Called from the connection actor; returns the re-attach frames to
// transmit.
func (cs *Channels) connStateChanged(change StateChange) []*protocol.ProtocolMessage {
	var frames []*protocol.ProtocolMessage
	for _, ch := range cs.All() {
		frames = append(frames, ch.connStateChanged(change)...)
	}

	return frames
}
