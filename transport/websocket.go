package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/beacon/protocol"
)

// Websocket is the production Transport: one websocket connection
// carrying one frame per websocket message. The json codec travels in
// text messages, the msgpack codec in binary messages.
type Websocket struct {
	conn  *websocket.Conn
	codec protocol.Codec

	events Events

	writeMu sync.Mutex

	destroyed   atomic.Bool
	destroyOnce sync.Once

	log   *zap.Logger
	trace bool
}

// DialWebsocket opens a websocket to opts.URL and starts its read
// loop. A nil error means the transport is live and frames may flow
// in either direction immediately.
func DialWebsocket(ctx context.Context, opts Options, events Events) (Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
	defer cancel()

	dialer := websocket.Dialer{}

	conn, resp, err := dialer.DialContext(dialCtx, opts.URL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}

		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	w := &Websocket{
		conn:   conn,
		codec:  opts.Codec,
		events: events,
		log:    log,
		trace:  opts.Trace,
	}

	go w.readLoop()

	return w, nil
}

func (w *Websocket) Send(p *protocol.ProtocolMessage) error {
	data, err := w.codec.Marshal(p)
	if err != nil {
		return err
	}

	if w.trace {
		w.log.Debug("-> frame",
			zap.Stringer("action", p.Action),
			zap.ByteString("data", data))
	}

	messageType := websocket.TextMessage
	if w.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	return w.conn.WriteMessage(messageType, data)
}

// Destroy closes the underlying connection. Safe to call more than
// once and from any goroutine; the read loop exits as a consequence.
func (w *Websocket) Destroy() error {
	var err error

	w.destroyOnce.Do(func() {
		w.destroyed.Store(true)
		err = w.conn.Close()
	})

	return err
}

func (w *Websocket) readLoop() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.destroyed.Load() {
				// The owner tore us down; it does not need to hear
				// about it.
				return
			}

			if w.events.OnClose != nil {
				w.events.OnClose(err)
			}

			return
		}

		if w.trace {
			w.log.Debug("<- frame", zap.ByteString("data", data))
		}

		var p protocol.ProtocolMessage
		if err := w.codec.Unmarshal(data, &p); err != nil {
			w.log.Warn("Failed to decode inbound frame", zap.Error(err))

			if w.events.OnError != nil {
				w.events.OnError(err)
			}

			continue
		}

		if w.events.OnFrame != nil {
			w.events.OnFrame(&p)
		}
	}
}

var _ Transport = (*Websocket)(nil)
