package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for MessagesDropped.
const (
	dropUnknownDestination = "unknown_destination"
	dropNotWritable        = "not_writable"
	dropEncode             = "encode"
)

// Protocol error kinds for ProtocolErrors.
const (
	errorDecode        = "decode"
	errorBadRequest    = "bad_request"
	errorNameCollision = "name_collision"
	errorAuth          = "auth"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	Sessions            prometheus.Gauge
	FramesReceived      prometheus.Counter
	MessagesRouted      prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	ProtocolErrors      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the listener.",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "connections_closed_total",
			Help:      "Connections removed from the connected set.",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "sessions",
			Help:      "Account names currently bound to a connection.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "frames_received_total",
			Help:      "Frames read and decoded successfully.",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "messages_routed_total",
			Help:      "Chat messages handed to the destination connection.",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "messages_dropped_total",
			Help:      "Chat messages dropped while draining the outbound queue.",
		}, []string{"reason"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "protocol_errors_total",
			Help:      "Rejected frames by kind.",
		}, []string{"kind"}),
	}
}
