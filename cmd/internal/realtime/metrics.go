package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery routes of a stored message.
const (
	RouteLocal   = "local"
	RouteRelayed = "relayed"
	RouteOffline = "offline"
	RouteDropped = "dropped"
)

// Metrics holds the realtime collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	connections prometheus.Gauge
	online      prometheus.Gauge
	events      *prometheus.CounterVec
	sends       *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors with reg.
// A nil reg builds unregistered collectors (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutors",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutors",
			Subsystem: "realtime",
			Name:      "online_users",
			Help:      "Users present on this instance.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutors",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Inbound websocket events by type.",
		}, []string{"type"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutors",
			Subsystem: "realtime",
			Name:      "send_message_total",
			Help:      "send_message results by status/reason.",
		}, []string{"result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutors",
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Stored messages by delivery route.",
		}, []string{"route"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.online.Set(float64(n))
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) delivery(route string) {
	if m != nil {
		m.deliveries.WithLabelValues(route).Inc()
	}
}
