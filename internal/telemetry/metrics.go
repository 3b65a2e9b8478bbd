package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_enqueued_total", Help: "Jobs enqueued (deduplicated enqueues excluded)"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_retried_total", Help: "Job attempts that failed and were rescheduled"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_failed_total", Help: "Jobs that exhausted attempts"})
	JobsReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_reclaimed_total", Help: "Stuck in-progress jobs returned to pending"})
	EventsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_created_total", Help: "Events created (deduplicated creates excluded)"})
	EventsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_completed_total", Help: "Events where every processor succeeded"})
	EventsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_retried_total", Help: "Events re-queued after a processor failure"})
	EventsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_failed_total", Help: "Events that exhausted attempts"})
	LockAcquired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_locks_acquired_total", Help: "Distributed locks acquired"})
	LockContention  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_locks_contended_total", Help: "Acquire attempts that lost to another holder"})
	BudgetDenials   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_budget_denials_total", Help: "Budget consumptions denied at the ceiling"})
	CycleDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "autopilot_cycle_seconds", Help: "Operator cycle wall time", Buckets: prometheus.DefBuckets})
	TenantsProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_tenants_processed_total", Help: "Per-tenant cycle passes completed"})
	TenantsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_tenants_skipped_total", Help: "Per-tenant cycle passes skipped on lock contention"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			EventsCreated,
			EventsCompleted,
			EventsRetried,
			EventsFailed,
			LockAcquired,
			LockContention,
			BudgetDenials,
			CycleDuration,
			TenantsProcessed,
			TenantsSkipped,
		)
	})
	return promhttp.Handler()
}
