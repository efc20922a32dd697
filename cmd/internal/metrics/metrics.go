// Package metrics holds the relay's Prometheus collectors.
//
// All methods are nil-safe so components can be constructed without metrics
// in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "plaza"

// Metrics groups every collector the relay exports.
type Metrics struct {
	Connections   prometheus.Gauge
	Sessions      prometheus.Gauge
	Observers     prometheus.Gauge
	Frames        *prometheus.CounterVec
	Broadcasts    prometheus.Counter
	Dropped       prometheus.Counter
	Evictions     *prometheus.CounterVec
	Auth          *prometheus.CounterVec
	AuditFailures *prometheus.CounterVec
	AuditDropped  prometheus.Counter
}

// New creates the collectors and registers them on reg (if non-nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open player transports, authenticated or not.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_authenticated",
			Help:      "Authenticated player sessions.",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admin_observers",
			Help:      "Connected admin feed observers.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Fan-out operations performed.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a send queue was full.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Server-initiated session removals by reason.",
		}, []string{"reason"}),
		Auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication attempts by result.",
		}, []string{"result"}),
		AuditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Failed audit writes by operation.",
		}, []string{"op"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit writes dropped because the queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Sessions, m.Observers,
			m.Frames, m.Broadcasts, m.Dropped,
			m.Evictions, m.Auth, m.AuditFailures, m.AuditDropped,
		)
	}
	return m
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.Sessions.Set(float64(n))
	}
}

func (m *Metrics) SetObservers(n int) {
	if m != nil {
		m.Observers.Set(float64(n))
	}
}

func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.Frames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Broadcast() {
	if m != nil {
		m.Broadcasts.Inc()
	}
}

func (m *Metrics) Drop() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) Evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AuthResult(result string) {
	if m != nil {
		m.Auth.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AuditFailed(op string) {
	if m != nil {
		m.AuditFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) AuditDrop() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}
