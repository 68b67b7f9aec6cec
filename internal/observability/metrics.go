// Package observability holds the Prometheus metrics shared across the
// control plane. Every metric is prefixed crucible_ and grouped by the
// component that owns it (dispatcher, pool, reconciler, reaper,
// ephemeral, coordination).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_queue_depth",
		Help: "Current number of queued evaluations by priority band",
	}, []string{"priority"})

	QueueOldestTaskAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_queue_oldest_task_age_seconds",
		Help: "Age of the oldest queued evaluation in seconds",
	})

	DispatcherDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_dispatcher_decisions_total",
		Help: "Dispatcher loop decisions by outcome",
	}, []string{"decision"}) // dispatched, requeued_no_slot, duplicate_skip, transition_error, failed_create_retry, failed_create_terminal

	DispatcherLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_dispatcher_loop_duration_seconds",
		Help:    "Duration of one dispatcher loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	PoolSlotsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_pool_slots_held",
		Help: "Number of executor slots currently held",
	})

	PoolSlotQuarantined = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_pool_slot_quarantined",
		Help: "Whether a slot is currently quarantined (1) or not (0)",
	}, []string{"slot_id"})

	SandboxCreateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandbox_create_failures_total",
		Help: "Sandbox driver create() failures by backend and reason",
	}, []string{"backend", "reason"})

	WatcherTerminalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_watcher_terminal_events_total",
		Help: "Terminal events published by the watcher",
	}, []string{"type", "cause"})

	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_task_runtime_seconds",
		Help:    "Evaluation execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ReconcilerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_reconciler_transitions_total",
		Help: "Durable state transitions applied by the reconciler",
	}, []string{"to_status"})

	ReconcilerDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_reconciler_dropped_events_total",
		Help: "Events dropped by the reconciler because the transition was invalid",
	}, []string{"reason"})

	ReaperRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_reaper_repairs_total",
		Help: "Invariant repairs performed by a reaper sweep",
	}, []string{"kind"}) // released_terminal_slot, orphaned_timeout, freed_dead_slot

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})

	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_ephemeral_store_latency_seconds",
		Help:    "Latency of ephemeral store operations",
		Buckets: prometheus.DefBuckets,
	})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_dispatcher_circuit_state",
		Help: "Dispatcher admission circuit breaker state (0=closed,1=half_open,2=open)",
	}, []string{"breaker"})

	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crucible_leader_status",
		Help: "Whether this process currently holds leadership for a role (1) or not (0)",
	}, []string{"role"})

	StaleLeaseReclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_stale_lease_reclaims_total",
		Help: "Leases force-released by the lock janitor, by reason",
	}, []string{"reason"}) // fenced, expired
)
