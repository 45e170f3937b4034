package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_connection_state",
		Help: "Current connection state as its numeric code",
	})

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_frames_total",
			Help: "Total protocol frames by direction",
		},
		[]string{"direction"}, // in|out
	)

	publishesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_publishes_total",
		Help: "Total messages published",
	})

	acksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_acks_total",
			Help: "Total publish acknowledgements by outcome",
		},
		[]string{"outcome"}, // ack|nack
	)

	messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_messages_received_total",
		Help: "Total inbound messages dispatched to channels",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_reconnects_total",
		Help: "Total reconnection attempts",
	})
)

func init() {
	prometheus.MustRegister(
		connectionState,
		framesTotal,
		publishesTotal,
		acksTotal,
		messagesReceivedTotal,
		reconnectsTotal,
	)
}

func SetConnectionState(code int) { connectionState.Set(float64(code)) }
func IncFrame(direction string)   { framesTotal.WithLabelValues(direction).Inc() }
func IncPublish()                 { publishesTotal.Inc() }
func IncAck(outcome string)       { acksTotal.WithLabelValues(outcome).Inc() }
func IncMessageReceived()         { messagesReceivedTotal.Inc() }
func IncReconnect()               { reconnectsTotal.Inc() }
