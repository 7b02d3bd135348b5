// Package metrics exposes the engine's MetricsSnapshot as Prometheus
// collectors, grounded on JamzYang-charging-platform's
// internal/metrics (promauto-registered package-level vars, a
// no-op RegisterMetrics kept for call-site clarity since promauto
// self-registers on init).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocppfleet/simulator/internal/collab"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocppfleet",
		Name:      "active_connections",
		Help:      "Sessions currently in a connected websocket state.",
	})

	TotalSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocppfleet",
		Name:      "total_sessions",
		Help:      "Sessions currently registered in the engine, any state.",
	})

	ChargingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocppfleet",
		Name:      "charging_sessions",
		Help:      "Sessions with an active transaction drawing power.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ocppfleet",
		Name:      "messages_sent_total",
		Help:      "OCPP-J messages sent to central systems.",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ocppfleet",
		Name:      "messages_received_total",
		Help:      "OCPP-J messages received from central systems.",
	})

	ActionCounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ocppfleet",
		Name:      "action_total",
		Help:      "OCPP messages by action name, either direction.",
	}, []string{"action", "direction"})

	RequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ocppfleet",
		Name:      "request_latency_ms",
		Help:      "Round-trip latency of correlated CALL/CALLRESULT pairs, in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	ErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ocppfleet",
		Name:      "error_rate",
		Help:      "Per-session lifetime fraction of completed requests that ended as CALLERROR or timeout, averaged across sessions.",
	})
)

// RegisterMetrics exists for call-site clarity; promauto.New* already
// registers against the default registry on package init.
func RegisterMetrics() {}

// ObserveLatency records one round-trip latency sample, in milliseconds.
func ObserveLatency(ms float64) {
	RequestLatency.Observe(ms)
}

// RecordAction increments the per-action, per-direction counter for
// one sent ("out") or received ("in") OCPP message.
func RecordAction(action, direction string) {
	ActionCounts.WithLabelValues(action, direction).Inc()
}

// Publish mirrors an engine-computed collab.MetricsSnapshot onto the
// gauges that can't be derived from counter deltas alone (percentiles,
// error rate, point-in-time session counts).
func Publish(snap collab.MetricsSnapshot) {
	ActiveConnections.Set(float64(snap.ActiveConnections))
	TotalSessions.Set(float64(snap.TotalSessions))
	ChargingSessions.Set(float64(snap.ChargingSessions))
	ErrorRate.Set(snap.ErrorRate)
}
