package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central collector for relay operational metrics.
//
// The metrics track:
//   - Connection admissions and rejections by reason
//   - Event flow through the broadcaster (queued, delivered, failed)
//   - Fan-out sizes and drain-loop latency
//   - Rate-limit decisions by action
//   - Presence transitions
//   - Offline queue depth and drain outcomes
type Metrics struct {
	// ConnectionsAdmitted counts admitted connections.
	// Labels: auth ("authenticated"|"guest")
	ConnectionsAdmitted *prometheus.CounterVec

	// ConnectionsRejected counts gate rejections.
	// Labels: reason (origin|blocked_ip|auth)
	ConnectionsRejected *prometheus.CounterVec

	// ActiveConnections gauges currently registered connections.
	ActiveConnections prometheus.Gauge

	// EventsQueued counts events accepted by the broadcaster.
	// Labels: priority, source (local|cluster)
	EventsQueued *prometheus.CounterVec

	// EventsDropped counts queue-overflow drops.
	// Labels: priority
	EventsDropped *prometheus.CounterVec

	// DeliveryCounter counts per-recipient delivery outcomes.
	// Labels: outcome (delivered|failed|offline_queued|expired)
	DeliveryCounter *prometheus.CounterVec

	// DrainDuration measures one broadcaster drain tick in seconds.
	// Buckets target the 100ms tick budget.
	DrainDuration prometheus.Histogram

	// FanOutSize measures resolved recipient counts per event.
	FanOutSize prometheus.Histogram

	// RateLimitDecisions counts limiter outcomes.
	// Labels: action, outcome (allowed|denied|failopen)
	RateLimitDecisions *prometheus.CounterVec

	// PresenceTransitions counts presence state changes.
	// Labels: to (online|away|busy|offline)
	PresenceTransitions *prometheus.CounterVec

	// OfflineQueueDepth gauges total parked entries across users.
	OfflineQueueDepth prometheus.Gauge

	// OfflineDrained counts entries replayed on reconnect.
	// Labels: outcome (delivered|failed)
	OfflineDrained *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use
// a private registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_admitted_total",
				Help: "Connections admitted by the gate, by auth kind",
			},
			[]string{"auth"},
		),
		ConnectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_rejected_total",
				Help: "Connections rejected by the gate, by reason",
			},
			[]string{"reason"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_connections",
				Help: "Currently registered connections",
			},
		),
		EventsQueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_queued_total",
				Help: "Events accepted into the broadcast queue",
			},
			[]string{"priority", "source"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_dropped_total",
				Help: "Events dropped on queue overflow",
			},
			[]string{"priority"},
		),
		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Per-recipient delivery outcomes",
			},
			[]string{"outcome"},
		),
		DrainDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_drain_duration_seconds",
				Help:    "Duration of one broadcaster drain tick",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
		FanOutSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_fanout_size",
				Help:    "Resolved recipient count per event",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_decisions_total",
				Help: "Rate limiter outcomes by action",
			},
			[]string{"action", "outcome"},
		),
		PresenceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_presence_transitions_total",
				Help: "Presence state transitions by target state",
			},
			[]string{"to"},
		),
		OfflineQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_offline_queue_depth",
				Help: "Total parked offline entries across all users",
			},
		),
		OfflineDrained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_offline_drained_total",
				Help: "Offline entries replayed on reconnect, by outcome",
			},
			[]string{"outcome"},
		),
	}
}
