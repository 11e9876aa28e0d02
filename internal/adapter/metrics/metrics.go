// Package metrics defines the prometheus collectors for the override engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsStartedTotal counts start requests by outcome (started, conflict, rejected, failed).
	SessionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "override_sessions_started_total",
			Help: "Focus session start requests by outcome",
		},
		[]string{"outcome"},
	)

	// SessionTransitionsTotal counts state machine transitions by target status.
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "override_session_transitions_total",
			Help: "Session state transitions by target status",
		},
		[]string{"to"},
	)

	// ActiveSessions tracks the number of sessions currently holding key locks.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "override_sessions_holding_locks",
			Help: "Sessions currently holding policy key locks",
		},
	)
)

// Policy store metrics
var (
	// PolicyApplyKeysTotal counts per-key apply outcomes (confirmed, failed).
	PolicyApplyKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_apply_keys_total",
			Help: "Per-key policy apply outcomes",
		},
		[]string{"phase", "outcome"},
	)

	// RollbackFailuresTotal counts sessions stuck in FAILED_ROLLBACK.
	RollbackFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_rollback_failures_total",
			Help: "Rollbacks that exhausted their retry budget",
		},
	)
)

// Scheduler and reconciliation metrics
var (
	// SchedulerJobsFiredTotal counts expiry jobs delivered to the manager.
	SchedulerJobsFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_fired_total",
			Help: "Durable expiry jobs fired",
		},
	)

	// ReconcileSessionsResumedTotal counts sessions resumed at startup by prior status.
	ReconcileSessionsResumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_sessions_resumed_total",
			Help: "Sessions resumed during startup reconciliation by prior status",
		},
		[]string{"status"},
	)

	// ReconcileDurationSeconds observes how long startup reconciliation takes.
	ReconcileDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Startup reconciliation duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)
