// This file contains the Prometheus metrics for the relay: live connection
// occupancy, inbound events by type, and fan-out delivery outcomes. A nil
// *Metrics disables collection, which keeps tests free of registry setup.
package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's operational counters.
type Metrics struct {
	// Connections is a gauge of live connections in this process.
	Connections prometheus.Gauge

	// InboundEvents counts inbound frames by event type.
	InboundEvents *prometheus.CounterVec

	// Deliveries counts fan-out outcomes by event type and result
	// (delivered|dropped). Dropped means the recipient's send buffer was
	// full or its socket was closed; those frames are skipped, not retried.
	Deliveries *prometheus.CounterVec
}

// NewMetrics registers the relay's collectors with reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of live WebSocket connections held by this process.",
		}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Inbound events accepted by the dispatcher, by type.",
		}, []string{"type"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Per-connection fan-out outcomes, by event type and result.",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) inbound(t EventType) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) delivered(t EventType) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(string(t), "delivered").Inc()
}

func (m *Metrics) dropped(t EventType) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(string(t), "dropped").Inc()
}
