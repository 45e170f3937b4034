package client

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/protocol"
)

func testOptions(dialer *fakeDialer) *Options {
	opts := &Options{
		URL:    "ws://realtime.test.local",
		Dialer: dialer.dial,
	}
	opts.applyDefaults()
	return opts
}

func mustCodec() protocol.Codec {
	c, err := protocol.NewCodec(protocol.FormatJSON)
	Expect(err).To(Succeed())
	return c
}

func newTestRealtime(dialer *fakeDialer) *Realtime {
	r, err := New(Options{
		URL:    "ws://realtime.test.local",
		Dialer: dialer.dial,
	})
	Expect(err).To(Succeed())
	return r
}

func connectedFrame(connectionID, key string) *protocol.ProtocolMessage {
	return &protocol.ProtocolMessage{
		Action:       protocol.ActionConnected,
		ConnectionID: connectionID,
		ConnectionDetails: &protocol.ConnectionDetails{
			ConnectionKey: key,
		},
	}
}

// bringUp drives a fresh realtime client to Connected and returns the
// live dial.
func bringUp(r *Realtime, dialer *fakeDialer) *fakeDial {
	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs <- r.Connection.Connect(ctx)
	}()

	var dial *fakeDial
	Eventually(dialer.dials, "2s").Should(Receive(&dial))
	Eventually(dial.t.SentActions, "2s").Should(ContainElement(protocol.ActionConnect))

	dial.Receive(connectedFrame("conn-1", "key-1"))
	Eventually(errs, "2s").Should(Receive(BeNil()))

	return dial
}

var _ = Describe("Conn", func() {
	var dialer *fakeDialer
	var realtime *Realtime

	BeforeEach(func() {
		dialer = newFakeDialer()
		realtime = newTestRealtime(dialer)
	})

	Describe("Connect()", func() {
		It("reaches Connected and stores the connection identity", func() {
			bringUp(realtime, dialer)

			Expect(realtime.Connection.State()).To(Equal(ConnConnected))
			Expect(realtime.Connection.ID()).To(Equal("conn-1"))
			Expect(realtime.Connection.Key()).To(Equal("key-1"))
		})

		It("is idempotent once connected", func() {
			bringUp(realtime, dialer)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			Expect(realtime.Connection.Connect(ctx)).To(Succeed())
		})

		It("notifies watchers in transition order", func() {
			changes, cancel := realtime.Connection.Watch()
			defer cancel()

			bringUp(realtime, dialer)

			var first, second StateChange
			Eventually(changes).Should(Receive(&first))
			Eventually(changes).Should(Receive(&second))

			Expect(first.Current).To(Equal(ConnConnecting))
			Expect(second.Current).To(Equal(ConnConnected))
		})
	})

	Describe("publishing", func() {
		It("completes a publish when its Ack arrives", func() {
			dial := bringUp(realtime, dialer)
			ch := realtime.Channels.Get("weather")

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Publish(ctx, "update", "sunny")
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			sent := dial.t.FramesOf(protocol.ActionMessage)[0]
			Expect(sent.Channel).To(Equal("weather"))
			Expect(sent.MsgSerial).To(Equal(int64(0)))

			dial.Receive(&protocol.ProtocolMessage{
				Action:    protocol.ActionAck,
				MsgSerial: 0,
				Count:     1,
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
		})

		It("fails a publish when its Nack arrives", func() {
			dial := bringUp(realtime, dialer)
			ch := realtime.Channels.Get("weather")

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Publish(ctx, "update", "sunny")
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			dial.Receive(&protocol.ProtocolMessage{
				Action:    protocol.ActionNack,
				MsgSerial: 0,
				Count:     1,
				Error:     &protocol.ErrorInfo{Code: 40000, Message: "rejected"},
			})

			var err error
			Eventually(errs, "2s").Should(Receive(&err))

			var errInfo *protocol.ErrorInfo
			Expect(errors.As(err, &errInfo)).To(BeTrue())
			Expect(errInfo.Code).To(Equal(40000))
		})

		It("assigns serials in publish order", func() {
			dial := bringUp(realtime, dialer)
			ch := realtime.Channels.Get("weather")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			first := make(chan error, 1)
			go func() { first <- ch.Publish(ctx, "one", "1") }()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			second := make(chan error, 1)
			go func() { second <- ch.Publish(ctx, "two", "2") }()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(2))

			frames := dial.t.FramesOf(protocol.ActionMessage)
			Expect(frames[0].MsgSerial).To(Equal(int64(0)))
			Expect(frames[1].MsgSerial).To(Equal(int64(1)))

			// One Ack covering both completes them in order.
			dial.Receive(&protocol.ProtocolMessage{
				Action:    protocol.ActionAck,
				MsgSerial: 0,
				Count:     2,
			})

			Eventually(first, "2s").Should(Receive(BeNil()))
			Eventually(second, "2s").Should(Receive(BeNil()))
		})

		It("queues publishes issued before Connected and flushes them in order", func() {
			errs := make(chan error, 1)
			ch := realtime.Channels.Get("weather")

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Publish(ctx, "early", "bird")
			}()

			// Nothing is connected yet; the publish waits its turn.
			Consistently(errs, "200ms").ShouldNot(Receive())

			dial := bringUp(realtime, dialer)

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			Expect(dial.t.FramesOf(protocol.ActionMessage)[0].MsgSerial).To(Equal(int64(0)))

			dial.Receive(&protocol.ProtocolMessage{
				Action:    protocol.ActionAck,
				MsgSerial: 0,
				Count:     1,
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
		})
	})

	Describe("resume", func() {
		It("re-sends unacked publishes with their original serial", func() {
			dial := bringUp(realtime, dialer)
			ch := realtime.Channels.Get("weather")

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				errs <- ch.Publish(ctx, "update", "sunny")
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			// The transport dies before the Ack arrives.
			dial.Drop(errors.New("connection reset"))
			Eventually(realtime.Connection.State, "2s").Should(Equal(ConnDisconnected))

			// The retry timer re-dials; the server recognises the
			// resume key and answers with the same connection id.
			var redial *fakeDial
			Eventually(dialer.dials, "5s").Should(Receive(&redial))
			redial.Receive(connectedFrame("conn-1", "key-1"))

			Eventually(func() []*protocol.ProtocolMessage {
				return redial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			resent := redial.t.FramesOf(protocol.ActionMessage)[0]
			Expect(resent.MsgSerial).To(Equal(int64(0)))

			redial.Receive(&protocol.ProtocolMessage{
				Action:    protocol.ActionAck,
				MsgSerial: 0,
				Count:     1,
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
		})

		It("fails unacked publishes when the server does not resume", func() {
			dial := bringUp(realtime, dialer)
			ch := realtime.Channels.Get("weather")

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				errs <- ch.Publish(ctx, "update", "sunny")
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionMessage)
			}, "2s").Should(HaveLen(1))

			dial.Drop(errors.New("connection reset"))

			var redial *fakeDial
			Eventually(dialer.dials, "5s").Should(Receive(&redial))

			// A fresh connection id: the old state is gone.
			redial.Receive(connectedFrame("conn-2", "key-2"))

			var err error
			Eventually(errs, "2s").Should(Receive(&err))
			Expect(errors.Is(err, ErrDisconnected)).To(BeTrue())
		})
	})

	Describe("Close()", func() {
		It("performs the close handshake and destroys the transport", func() {
			dial := bringUp(realtime, dialer)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- realtime.Connection.Close(ctx)
			}()

			Eventually(dial.t.SentActions, "2s").Should(ContainElement(protocol.ActionClose))

			dial.Receive(&protocol.ProtocolMessage{Action: protocol.ActionClosed})

			Eventually(errs, "2s").Should(Receive(BeNil()))
			Expect(realtime.Connection.State()).To(Equal(ConnClosed))
			Expect(realtime.Connection.Key()).To(Equal(""))
			Eventually(dial.t.Destroyed, "2s").Should(BeTrue())
		})

		It("closes directly from Initialized", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			Expect(realtime.Connection.Close(ctx)).To(Succeed())
			Expect(realtime.Connection.State()).To(Equal(ConnClosed))
		})

		It("silently drops sends issued while Closed", func() {
			dial := bringUp(realtime, dialer)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- realtime.Connection.Close(ctx)
			}()

			Eventually(dial.t.SentActions, "2s").Should(ContainElement(protocol.ActionClose))

			dial.Receive(&protocol.ProtocolMessage{Action: protocol.ActionClosed})
			Eventually(errs, "2s").Should(Receive(BeNil()))

			before := len(dial.t.Sent())

			realtime.Connection.send(&protocol.ProtocolMessage{
				Action:  protocol.ActionAttach,
				Channel: "weather",
			}, nil)

			Consistently(realtime.Connection.State, "200ms").Should(Equal(ConnClosed))
			Expect(dial.t.Sent()).To(HaveLen(before))
		})

		It("can connect again after closing", func() {
			dial := bringUp(realtime, dialer)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- realtime.Connection.Close(ctx)
			}()

			Eventually(dial.t.SentActions, "2s").Should(ContainElement(protocol.ActionClose))

			dial.Receive(&protocol.ProtocolMessage{Action: protocol.ActionClosed})
			Eventually(errs, "2s").Should(Receive(BeNil()))

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- realtime.Connection.Connect(ctx)
			}()

			var redial *fakeDial
			Eventually(dialer.dials, "2s").Should(Receive(&redial))
			redial.Receive(connectedFrame("conn-9", "key-9"))

			Eventually(errs, "2s").Should(Receive(BeNil()))
			Expect(realtime.Connection.State()).To(Equal(ConnConnected))
		})
	})

	Describe("Closed state", func() {
		It("ignores every inbound action", func() {
			conn := newConn(testOptions(dialer), mustCodec())
			conn.state = ConnClosed

			for action := protocol.ActionHeartbeat; action <= protocol.ActionSync; action++ {
				handled, effects := conn.handleFrame(&protocol.ProtocolMessage{Action: action})
				Expect(handled).To(BeFalse(), "action %s should not be handled", action)
				Expect(effects).To(BeEmpty())
			}
		})
	})

	Describe("Ping()", func() {
		It("round-trips a heartbeat", func() {
			dial := bringUp(realtime, dialer)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- realtime.Connection.Ping(ctx)
			}()

			Eventually(dial.t.SentActions, "2s").Should(ContainElement(protocol.ActionHeartbeat))

			dial.Receive(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat})

			Eventually(errs, "2s").Should(Receive(BeNil()))
		})
	})
})
