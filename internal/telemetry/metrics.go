// Package telemetry provides the Prometheus metrics and structured logging
// used by both tunnel processes.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the server-side tunnel metrics.
type Metrics struct {
	activeConnections *prometheus.GaugeVec
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messageLatency    *prometheus.HistogramVec
	errors            *prometheus.CounterVec
	kiosksOnline      prometheus.Gauge
	kiosksTotal       prometheus.Gauge
	serverUptime      prometheus.Gauge
}

// NewMetrics creates and registers the tunnel metrics. If registry is nil,
// the global default registry is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of active WebSocket connections.",
		}, []string{"kiosk_id"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total messages sent to kiosks.",
		}, []string{"kiosk_id"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_received_total",
			Help: "Total messages received from kiosks.",
		}, []string{"kiosk_id"}),
		messageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ws_message_latency_seconds",
			Help:    "Message round-trip latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"kiosk_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_errors_total",
			Help: "Total errors by type.",
		}, []string{"error_type"}),
		kiosksOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiosks_online",
			Help: "Number of kiosks currently online.",
		}),
		kiosksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiosks_total",
			Help: "Total number of registered kiosks.",
		}),
		serverUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "server_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
	}

	registry.MustRegister(
		m.activeConnections,
		m.messagesSent,
		m.messagesReceived,
		m.messageLatency,
		m.errors,
		m.kiosksOnline,
		m.kiosksTotal,
		m.serverUptime,
	)

	return m
}

func (m *Metrics) IncActiveConnections(kioskID string) {
	m.activeConnections.WithLabelValues(kioskID).Inc()
}

func (m *Metrics) DecActiveConnections(kioskID string) {
	m.activeConnections.WithLabelValues(kioskID).Dec()
}

func (m *Metrics) IncMessagesSent(kioskID string) {
	m.messagesSent.WithLabelValues(kioskID).Inc()
}

func (m *Metrics) IncMessagesReceived(kioskID string) {
	m.messagesReceived.WithLabelValues(kioskID).Inc()
}

func (m *Metrics) ObserveLatency(kioskID string, seconds float64) {
	m.messageLatency.WithLabelValues(kioskID).Observe(seconds)
}

func (m *Metrics) IncErrors(errorType string) {
	m.errors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) SetKiosksOnline(n float64) { m.kiosksOnline.Set(n) }
func (m *Metrics) SetKiosksTotal(n float64)  { m.kiosksTotal.Set(n) }
func (m *Metrics) SetUptime(seconds float64) { m.serverUptime.Set(seconds) }

// Handler returns the Prometheus metrics handler. Mount at "/metrics".
func Handler() http.Handler {
	return promhttp.Handler()
}
