package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus instruments. Each Server owns its own
// registry so multiple instances (tests) never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	activeRooms     prometheus.Gauge
	broadcasts      prometheus.Counter
}

// NewMetrics creates and registers the server's metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_packets_received_total",
			Help: "Packets received from clients, by message type",
		}, []string{"type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_packets_sent_total",
			Help: "Packets sent to clients, by message type",
		}, []string{"type"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_active_sessions",
			Help: "Currently admitted client sessions",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_active_rooms",
			Help: "Currently existing rooms",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_broadcasts_total",
			Help: "Broadcast fan-outs performed",
		}),
	}

	m.registry.MustRegister(
		m.packetsReceived,
		m.packetsSent,
		m.activeSessions,
		m.activeRooms,
		m.broadcasts,
	)

	return m
}

// RecordPacketReceived counts an inbound packet by type name.
func (m *Metrics) RecordPacketReceived(typeName string) {
	m.packetsReceived.WithLabelValues(typeName).Inc()
}

// RecordPacketSent counts an outbound packet by type name.
func (m *Metrics) RecordPacketSent(typeName string) {
	m.packetsSent.WithLabelValues(typeName).Inc()
}

// RecordActiveSessions sets the admitted-session gauge.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordActiveRooms sets the room gauge.
func (m *Metrics) RecordActiveRooms(count int) {
	m.activeRooms.Set(float64(count))
}

// RecordBroadcast counts one broadcast fan-out.
func (m *Metrics) RecordBroadcast() {
	m.broadcasts.Inc()
}

// Handler returns an HTTP handler exposing this server's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
