package client

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/protocol"
)

var _ = Describe("Channel", func() {
	var dialer *fakeDialer
	var realtime *Realtime
	var dial *fakeDial

	BeforeEach(func() {
		dialer = newFakeDialer()
		realtime = newTestRealtime(dialer)
		dial = bringUp(realtime, dialer)
	})

	attach := func(ch *Channel) {
		errs := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs <- ch.Attach(ctx)
		}()

		Eventually(func() []*protocol.ProtocolMessage {
			return dial.t.FramesOf(protocol.ActionAttach)
		}, "2s").ShouldNot(BeEmpty())

		dial.Receive(&protocol.ProtocolMessage{
			Action:        protocol.ActionAttached,
			Channel:       ch.Name(),
			ChannelSerial: "55:0",
		})

		Eventually(errs, "2s").Should(Receive(BeNil()))
	}

	Describe("Attach() / Detach()", func() {
		It("attaches on the Attached frame and records the serial", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			Expect(ch.State()).To(Equal(ChanAttached))
			Expect(ch.Serial()).To(Equal("55:0"))
		})

		It("detaches on the Detached frame", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Detach(ctx)
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionDetach)
			}, "2s").ShouldNot(BeEmpty())

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionDetached,
				Channel: "weather",
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
			Expect(ch.State()).To(Equal(ChanDetached))
		})

		It("re-attaches when the server detaches it unasked", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionDetached,
				Channel: "weather",
			})

			Eventually(ch.State, "2s").Should(Equal(ChanAttaching))
			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionAttach)
			}, "2s").Should(HaveLen(2))
		})
	})

	Describe("message delivery", func() {
		It("decodes and delivers messages in frame order", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			sub := ch.Subscribe("")
			defer sub.Unsubscribe()

			dial.Receive(&protocol.ProtocolMessage{
				Action:       protocol.ActionMessage,
				Channel:      "weather",
				ID:           "frame-1",
				ConnectionID: "conn-1",
				Timestamp:    1234,
				Messages: []*protocol.Message{
					{Name: "update", Data: "AQIDBAU=", Encoding: "base64"},
					{Name: "update", Data: "plain"},
				},
			})

			var first, second *protocol.Message
			Eventually(sub.Messages(), "2s").Should(Receive(&first))
			Eventually(sub.Messages(), "2s").Should(Receive(&second))

			Expect(first.Data).To(Equal([]byte{0x01, 0x02, 0x03, 0x04, 0x05}))
			Expect(first.Encoding).To(Equal(""))
			Expect(first.ID).To(Equal("frame-1:0"))
			Expect(first.Timestamp).To(Equal(int64(1234)))

			Expect(second.Data).To(Equal("plain"))
			Expect(second.ID).To(Equal("frame-1:1"))
		})

		It("filters by message name", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			sub := ch.Subscribe("wind")
			defer sub.Unsubscribe()

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionMessage,
				Channel: "weather",
				Messages: []*protocol.Message{
					{Name: "rain", Data: "no"},
					{Name: "wind", Data: "strong"},
				},
			})

			var m *protocol.Message
			Eventually(sub.Messages(), "2s").Should(Receive(&m))
			Expect(m.Name).To(Equal("wind"))
			Consistently(sub.Messages(), "200ms").ShouldNot(Receive())
		})
	})

	Describe("presence sync", func() {
		It("syncs members until the empty channel serial arrives", func() {
			ch := realtime.Channels.Get("lobby")

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Attach(ctx)
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionAttach)
			}, "2s").ShouldNot(BeEmpty())

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionAttached,
				Channel: "lobby",
				Flags:   protocol.FlagHasPresence,
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
			Expect(ch.PresenceSynced()).To(BeFalse())

			dial.Receive(&protocol.ProtocolMessage{
				Action:        protocol.ActionSync,
				Channel:       "lobby",
				ChannelSerial: "sync:1",
				Presence: []*protocol.PresenceMessage{
					{Action: protocol.PresencePresent, ClientID: "alice", ConnectionID: "c-a"},
				},
			})

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionSync,
				Channel: "lobby",
				Presence: []*protocol.PresenceMessage{
					{Action: protocol.PresencePresent, ClientID: "bob", ConnectionID: "c-b"},
				},
			})

			Eventually(ch.PresenceSynced, "2s").Should(BeTrue())
			Expect(ch.PresenceMembers()).To(HaveLen(2))
		})

		It("tracks live enters and leaves after the sync", func() {
			ch := realtime.Channels.Get("lobby")
			attach(ch)

			presenceSub := ch.SubscribePresence()
			defer presenceSub.Unsubscribe()

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionPresence,
				Channel: "lobby",
				Presence: []*protocol.PresenceMessage{
					{Action: protocol.PresenceEnter, ClientID: "alice", ConnectionID: "c-a"},
				},
			})

			var m *protocol.PresenceMessage
			Eventually(presenceSub.Presence(), "2s").Should(Receive(&m))
			Expect(m.Action).To(Equal(protocol.PresenceEnter))
			Expect(ch.PresenceMembers()).To(HaveLen(1))

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionPresence,
				Channel: "lobby",
				Presence: []*protocol.PresenceMessage{
					{Action: protocol.PresenceLeave, ClientID: "alice", ConnectionID: "c-a"},
				},
			})

			Eventually(ch.PresenceMembers, "2s").Should(BeEmpty())
		})
	})

	Describe("reconnect", func() {
		It("re-attaches attached channels automatically", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			dial.Drop(nil)
			Eventually(realtime.Connection.State, "2s").Should(Equal(ConnDisconnected))

			var redial *fakeDial
			Eventually(dialer.dials, "5s").Should(Receive(&redial))
			redial.Receive(connectedFrame("conn-1", "key-1"))

			Eventually(func() []*protocol.ProtocolMessage {
				return redial.t.FramesOf(protocol.ActionAttach)
			}, "2s").ShouldNot(BeEmpty())
			Expect(ch.State()).To(Equal(ChanAttaching))

			redial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionAttached,
				Channel: "weather",
			})

			Eventually(ch.State, "2s").Should(Equal(ChanAttached))
		})
	})

	Describe("registry", func() {
		It("returns the same channel for the same name", func() {
			Expect(realtime.Channels.Get("weather")).To(BeIdenticalTo(realtime.Channels.Get("weather")))
		})

		It("refuses to release an attached channel", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			Expect(realtime.Channels.Release("weather")).To(MatchError(ErrChannelAttached))
		})

		It("releases a detached channel", func() {
			ch := realtime.Channels.Get("weather")
			attach(ch)

			errs := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				errs <- ch.Detach(ctx)
			}()

			Eventually(func() []*protocol.ProtocolMessage {
				return dial.t.FramesOf(protocol.ActionDetach)
			}, "2s").ShouldNot(BeEmpty())

			dial.Receive(&protocol.ProtocolMessage{
				Action:  protocol.ActionDetached,
				Channel: "weather",
			})

			Eventually(errs, "2s").Should(Receive(BeNil()))
			Expect(realtime.Channels.Release("weather")).To(Succeed())
		})
	})
})
