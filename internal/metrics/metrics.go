// Package metrics provides Prometheus instrumentation for the synchronizer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived tracks inbound realtime events by name.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_realtime_events_total",
			Help: "Inbound realtime events received",
		},
		[]string{"event"},
	)

	// EventsDropped tracks inbound events discarded by the normalizer.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_realtime_events_dropped_total",
			Help: "Inbound realtime events dropped as unknown or malformed",
		},
		[]string{"event", "reason"},
	)

	// ConnectionUp is 1 while the realtime connection is established.
	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zele_realtime_connected",
			Help: "Whether the realtime connection is up",
		},
	)

	// Reconnects tracks scheduled reconnection attempts.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zele_realtime_reconnects_total",
			Help: "Realtime reconnection attempts",
		},
	)

	// StoreApplies tracks store mutations by operation.
	StoreApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_store_applies_total",
			Help: "Store mutations applied",
		},
		[]string{"op"},
	)

	// OptimisticSends tracks optimistic sends by outcome.
	OptimisticSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_optimistic_sends_total",
			Help: "Optimistic message sends by outcome",
		},
		[]string{"outcome"},
	)

	// GuardCalls tracks dedup guard calls by result.
	GuardCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_guard_calls_total",
			Help: "Dedup guard calls by result (leader, joined, fail_open)",
		},
		[]string{"result"},
	)

	// Notifications tracks user-visible notices by level.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_notifications_total",
			Help: "Notices delivered to the notifier",
		},
		[]string{"level"},
	)

	// NotificationsDropped tracks notices discarded on queue overflow or suppression.
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zele_notifications_dropped_total",
			Help: "Notices dropped",
		},
		[]string{"reason"},
	)

	// RequestDuration tracks REST request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zele_api_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "status"},
	)
)

// RecordRequest records metrics for a REST request.
func RecordRequest(method, status string, duration float64) {
	RequestDuration.WithLabelValues(method, status).Observe(duration)
}

// SetConnected updates the connection gauge.
func SetConnected(up bool) {
	if up {
		ConnectionUp.Set(1)
		return
	}
	ConnectionUp.Set(0)
}
