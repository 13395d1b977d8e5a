// Package metrics defines the prometheus collectors for the order lifecycle
// engine. Collectors are package-level; main registers them once at startup.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TransitionsTotal counts state machine transitions by action and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Order state transitions attempted, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ReconBlocksProcessed counts blocks covered by committed reconciler batches.
	ReconBlocksProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_recon_blocks_processed_total",
			Help: "Blocks covered by committed reconciliation batches",
		},
	)

	// ReconEventsApplied counts on-chain events by how the reconciler handled them.
	ReconEventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_recon_events_total",
			Help: "On-chain events processed, by disposition",
		},
		[]string{"kind", "disposition"},
	)

	// SweepTransitions counts forced transitions performed by the sweeper.
	SweepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_sweep_transitions_total",
			Help: "Timeout-driven transitions, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// SweepLockContention counts sweep cycles skipped because another
	// instance held the job lock.
	SweepLockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_sweep_lock_contention_total",
			Help: "Sweep cycles skipped due to the job lock being held elsewhere",
		},
	)

	// RelayConnections gauges live websocket connections per instance.
	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "escrow_relay_connections",
			Help: "Currently registered realtime connections",
		},
	)

	// RelayMessages counts relay deliveries by direction.
	RelayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_relay_messages_total",
			Help: "Relay messages, by direction (local, upstream, dropped)",
		},
		[]string{"direction"},
	)
)

// MustRegister installs every collector into the supplied registry.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TransitionsTotal,
		ReconBlocksProcessed,
		ReconEventsApplied,
		SweepTransitions,
		SweepLockContention,
		RelayConnections,
		RelayMessages,
	)
}
