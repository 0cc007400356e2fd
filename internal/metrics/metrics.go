// Package metrics defines Prometheus instrumentation for the sync layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ActiveConnections tracks the number of registered websocket connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Number of registered websocket connections",
		},
	)

	// ActiveSubscriptions tracks live (connection, board) subscription pairs
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_subscriptions",
			Help: "Number of live (connection, board) subscription pairs",
		},
	)

	// ConnectionsClosed tracks closed connections by close reason
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_closed_total",
			Help: "Closed connections by close reason",
		},
		[]string{"reason"},
	)

	// AuthFailures tracks failed websocket handshakes
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Total failed websocket authentication handshakes",
		},
	)
)

// Broadcast metrics
var (
	// EventsPublished tracks events accepted by the sequencer per event type
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Events accepted by the sequencer by event type",
		},
		[]string{"event_type"},
	)

	// EventsDelivered tracks events enqueued to client connections
	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Events enqueued to client outbound channels",
		},
	)

	// SlowClientsEvicted tracks connections closed for backpressure
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_clients_evicted_total",
			Help: "Connections force-closed because their outbound channel overflowed",
		},
	)

	// FanoutDuration tracks per-event fan-out latency in seconds
	FanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_fanout_duration_seconds",
			Help:    "Per-event fan-out duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Permission oracle metrics
var (
	// PermissionChecks tracks oracle lookups by outcome
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_permission_checks_total",
			Help: "Permission oracle lookups by outcome (granted/denied/error)",
		},
		[]string{"outcome"},
	)

	// AccessRevoked tracks mid-session subscription teardowns
	AccessRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_access_revoked_total",
			Help: "Subscriptions torn down after a fan-out permission re-check denied access",
		},
	)

	// OracleCircuitState tracks the permission oracle circuit breaker state (0=closed, 1=half-open, 2=open)
	OracleCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_oracle_circuit_state",
			Help: "Permission oracle circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// Replay metrics
var (
	// ReplayRequests tracks resume requests by outcome
	ReplayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_replay_requests_total",
			Help: "Resume requests by outcome (replayed/resync_required/denied)",
		},
		[]string{"outcome"},
	)

	// ReplayedEvents tracks events delivered from the replay window
	ReplayedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_replayed_events_total",
			Help: "Events delivered from the replay window on resume",
		},
	)
)

// Liveness metrics
var (
	// StaleConnectionsPruned tracks connections removed by the liveness monitor
	StaleConnectionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_stale_connections_pruned_total",
			Help: "Connections unregistered by the liveness monitor after missed heartbeats",
		},
	)

	// PubSubMessagesReceived tracks cross-instance event feed messages
	PubSubMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_pubsub_messages_received_total",
			Help: "Messages received on the Redis event feed by channel",
		},
		[]string{"channel"},
	)
)
