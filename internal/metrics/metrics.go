// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researchd_runs_started_total",
		Help: "Research runs started.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_runs_finished_total",
		Help: "Research runs finished, by terminal result.",
	}, []string{"result"})

	RunsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researchd_runs_deduplicated_total",
		Help: "Start attempts refused because a run was already active.",
	})

	Iterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researchd_iterations_total",
		Help: "Research loop iterations executed.",
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "researchd_tasks_executed_total",
		Help: "Plan tasks executed, by task type.",
	}, []string{"type"})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researchd_heartbeats_total",
		Help: "Run ledger lease renewals.",
	})

	LockFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "researchd_lock_fallbacks_total",
		Help: "Start lock acquisitions degraded to ledger-only dedup.",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "researchd_active_runs",
		Help: "Runs currently driven by this process.",
	})
)
