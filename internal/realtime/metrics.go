package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the realtime Prometheus collectors.
// A nil *Metrics is valid and records nothing, so unit tests can pass nil.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	UsersOnline       prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	PresenceEvents    *prometheus.CounterVec
	TypingEvents      prometheus.Counter
	DroppedPushes     prometheus.Counter
	GatewayErrors     *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcadia",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Currently registered websocket connections.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcadia",
			Subsystem: "ws",
			Name:      "users_online",
			Help:      "Distinct users with at least one live connection.",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcadia",
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Messages accepted for delivery, by kind.",
		}, []string{"kind"}),
		PresenceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcadia",
			Subsystem: "chat",
			Name:      "presence_events_total",
			Help:      "Presence transitions broadcast to friends, by status.",
		}, []string{"status"}),
		TypingEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arcadia",
			Subsystem: "chat",
			Name:      "typing_events_total",
			Help:      "Typing indicator pushes.",
		}),
		DroppedPushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "arcadia",
			Subsystem: "ws",
			Name:      "dropped_pushes_total",
			Help:      "Pushes dropped because a client queue was full or closing.",
		}),
		GatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcadia",
			Subsystem: "ws",
			Name:      "gateway_errors_total",
			Help:      "Error events sent to callers, by code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) connOpened(online int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.UsersOnline.Set(float64(online))
}

func (m *Metrics) connClosed(online int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.UsersOnline.Set(float64(online))
}

func (m *Metrics) message(kind string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) presence(status string) {
	if m == nil {
		return
	}
	m.PresenceEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) typing() {
	if m == nil {
		return
	}
	m.TypingEvents.Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.DroppedPushes.Inc()
}

func (m *Metrics) gatewayError(code string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(code).Inc()
}
