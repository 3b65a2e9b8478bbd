// Package operator runs the top-level control loop. Each cycle walks every
// active tenant: take the per-tenant lock, score health, fire remediations,
// run due maintenance, drain a fixed slice of jobs and events, and emit a
// summary event. There is no leader; any number of operator processes can
// run the same cycle, with the lock deciding who works each tenant.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopilot-core/internal/bus"
	"autopilot-core/internal/lock"
	"autopilot-core/internal/models"
	"autopilot-core/internal/policy"
	"autopilot-core/internal/queue"
	"autopilot-core/internal/telemetry"
)

const (
	healthCheckTask     = "health_check"
	healthCheckInterval = 24 * time.Hour
	staleJobAge         = 24 * time.Hour
	staleEventResetCap  = 10
)

// Store is the durable surface the runtime itself touches; everything else
// goes through the queue, bus, lock manager and policy engine.
type Store interface {
	ListActiveTenants(ctx context.Context) ([]models.Tenant, error)
	ResetErroredIntegrations(ctx context.Context, tenantID string) (int64, error)
	ResetStaleEventAttempts(ctx context.Context, tenantID string, scheduledBefore time.Time, limit int) (int64, error)
	FailStalePendingJobs(ctx context.Context, tenantID string, createdBefore time.Time, errMsg string) (int64, error)
	SetTenantMaintenance(ctx context.Context, tenantID, task string, at time.Time) error
}

// Runtime is the operator control loop.
type Runtime struct {
	locks  *lock.Manager
	engine *policy.Engine
	jobs   *queue.Queue
	events *bus.Bus
	store  Store
	logger *zap.Logger

	workerID   string
	interval   time.Duration
	lockTTL    time.Duration
	drainBatch int

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	lastRun       time.Time
	nextRun       time.Time
	processed     int64
	errors        int64
	cycles        int64
	totalDuration time.Duration
}

// Status is the read-only runtime snapshot.
type Status struct {
	Running             bool          `json:"running"`
	LastRun             time.Time     `json:"last_run"`
	NextRun             time.Time     `json:"next_run"`
	WorkspacesProcessed int64         `json:"workspaces_processed"`
	Errors              int64         `json:"errors"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
}

// Options tune the runtime; zero values take defaults.
type Options struct {
	WorkerID   string        // default: random
	Interval   time.Duration // default 1m
	LockTTL    time.Duration // default 60s
	DrainBatch int           // default 5
}

func NewRuntime(locks *lock.Manager, engine *policy.Engine, jobs *queue.Queue, events *bus.Bus, s Store, logger *zap.Logger, opts Options) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "operator-" + uuid.NewString()
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.DrainBatch == 0 {
		opts.DrainBatch = 5
	}
	return &Runtime{
		locks:      locks,
		engine:     engine,
		jobs:       jobs,
		events:     events,
		store:      s,
		logger:     logger,
		workerID:   opts.WorkerID,
		interval:   opts.Interval,
		lockTTL:    opts.LockTTL,
		drainBatch: opts.DrainBatch,
	}
}

// Start launches the cycle loop. Starting twice is a logged no-op.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Info("operator already running, start ignored")
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.nextRun = time.Now().Add(r.interval)
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := r.RunCycle(ctx); err != nil {
					r.logger.Error("operator cycle aborted", zap.Error(err))
				}
			}
		}
	}()
	r.logger.Info("operator started",
		zap.String("worker", r.workerID), zap.Duration("interval", r.interval))
}

// Stop halts the loop. Stopping an idle runtime is a no-op.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()
	<-doneCh
	r.logger.Info("operator stopped")
}

// RunCycle does one full pass over all active tenants. A failure processing
// one tenant is counted and does not stop the pass; only store
// unavailability aborts the cycle.
func (r *Runtime) RunCycle(ctx context.Context) error {
	started := time.Now()

	// Crash recovery first, so reclaimed work is drainable this cycle.
	if _, err := r.jobs.ReleaseStuckJobs(ctx); err != nil {
		return fmt.Errorf("release stuck jobs: %w", err)
	}
	if _, err := r.events.ReleaseStuckEvents(ctx); err != nil {
		return fmt.Errorf("release stuck events: %w", err)
	}

	tenants, err := r.store.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	for _, tenant := range tenants {
		if err := r.processWorkspace(ctx, tenant, started); err != nil {
			r.mu.Lock()
			r.errors++
			r.mu.Unlock()
			r.logger.Error("workspace cycle failed",
				zap.String("tenant", tenant.ID), zap.Error(err))
		}
	}

	elapsed := time.Since(started)
	telemetry.CycleDuration.Observe(elapsed.Seconds())

	r.mu.Lock()
	r.lastRun = started
	r.nextRun = started.Add(r.interval)
	r.cycles++
	r.totalDuration += elapsed
	r.mu.Unlock()

	r.logger.Info("operator cycle complete",
		zap.Int("tenants", len(tenants)), zap.Duration("elapsed", elapsed))
	return nil
}

// processWorkspace is one tenant's pass: locked -> health-checked ->
// remediated -> drained -> released. Contention means another worker owns
// this tenant right now; skip, never wait.
func (r *Runtime) processWorkspace(ctx context.Context, tenant models.Tenant, cycleStart time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workspace panic: %v", rec)
		}
	}()

	ran, err := r.locks.WithLock(ctx, "operator:"+tenant.ID, r.lockTTL, func(ctx context.Context) error {
		return r.runWorkspace(ctx, tenant, cycleStart)
	})
	if err != nil {
		return err
	}
	if !ran {
		telemetry.TenantsSkipped.Inc()
		r.logger.Debug("workspace locked elsewhere, skipping", zap.String("tenant", tenant.ID))
		return nil
	}
	telemetry.TenantsProcessed.Inc()
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
	return nil
}

func (r *Runtime) runWorkspace(ctx context.Context, tenant models.Tenant, cycleStart time.Time) error {
	report, err := r.engine.CheckHealth(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	for _, issue := range report.Issues {
		if !issue.AutoRemediable {
			continue
		}
		if err := r.remediate(ctx, tenant.ID, issue); err != nil {
			// Remediation is opportunistic; a failure must not end the
			// tenant's cycle.
			r.logger.Warn("remediation failed",
				zap.String("tenant", tenant.ID), zap.String("issue", issue.Type), zap.Error(err))
		}
	}

	if err := r.runMaintenance(ctx, tenant); err != nil {
		r.logger.Warn("maintenance failed", zap.String("tenant", tenant.ID), zap.Error(err))
	}

	jobsDone, err := r.jobs.DrainTenant(ctx, tenant.ID, r.drainBatch, r.workerID)
	if err != nil {
		return fmt.Errorf("drain jobs: %w", err)
	}
	eventsDone, err := r.events.DrainTenant(ctx, tenant.ID, r.drainBatch)
	if err != nil {
		return fmt.Errorf("drain events: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"tenant_id":        tenant.ID,
		"health_score":     report.Score,
		"issues":           report.Issues,
		"jobs_processed":   jobsDone,
		"events_processed": eventsDone,
	})
	if err != nil {
		return fmt.Errorf("marshal cycle summary: %w", err)
	}
	// Keyed on the cycle start so a retried or concurrently raced workspace
	// pass collapses into one summary event per tenant per cycle.
	_, err = r.events.CreateEvent(ctx, bus.CreateParams{
		TenantID:       tenant.ID,
		Type:           "health.webhook_check",
		Payload:        payload,
		IdempotencyKey: cycleEventKey(tenant.ID, cycleStart),
	})
	if err != nil {
		return fmt.Errorf("emit cycle event: %w", err)
	}
	return nil
}

func cycleEventKey(tenantID string, cycleStart time.Time) string {
	return "cycle:" + tenantID + ":" + cycleStart.UTC().Format(time.RFC3339Nano)
}

// remediate maps a health issue to its fixed corrective action.
func (r *Runtime) remediate(ctx context.Context, tenantID string, issue policy.Issue) error {
	now := time.Now().UTC()
	switch issue.Type {
	case policy.IssueIntegrationErrors:
		n, err := r.store.ResetErroredIntegrations(ctx, tenantID)
		if err != nil {
			return err
		}
		r.logger.Info("retry_integration remediation",
			zap.String("tenant", tenantID), zap.Int64("reset", n))
	case policy.IssueEventFailures:
		n, err := r.store.ResetStaleEventAttempts(ctx, tenantID, now, staleEventResetCap)
		if err != nil {
			return err
		}
		r.logger.Info("retry_events remediation",
			zap.String("tenant", tenantID), zap.Int64("reset", n))
	case policy.IssueJobFailures:
		n, err := r.store.FailStalePendingJobs(ctx, tenantID, now.Add(-staleJobAge), "expired in queue backlog")
		if err != nil {
			return err
		}
		r.logger.Info("clear_queue remediation",
			zap.String("tenant", tenantID), zap.Int64("failed_out", n))
	}
	return nil
}

// runMaintenance enqueues scheduled per-tenant work gated on the last-run
// stamp kept in tenant config. Currently one task: the 24h health-check job.
func (r *Runtime) runMaintenance(ctx context.Context, tenant models.Tenant) error {
	now := time.Now().UTC()
	if last, ok := tenant.Config.Maintenance[healthCheckTask]; ok && now.Sub(last) < healthCheckInterval {
		return nil
	}

	_, err := r.jobs.Enqueue(ctx, queue.EnqueueParams{
		TenantID:       tenant.ID,
		Type:           "health.check",
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: fmt.Sprintf("maintenance:%s:%s:%s", healthCheckTask, tenant.ID, now.Format("2006-01-02")),
	})
	if err != nil {
		return fmt.Errorf("enqueue health check: %w", err)
	}
	return r.store.SetTenantMaintenance(ctx, tenant.ID, healthCheckTask, now)
}

// GetStatus snapshots the runtime counters.
func (r *Runtime) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var avg time.Duration
	if r.cycles > 0 {
		avg = r.totalDuration / time.Duration(r.cycles)
	}
	return Status{
		Running:             r.running,
		LastRun:             r.lastRun,
		NextRun:             r.nextRun,
		WorkspacesProcessed: r.processed,
		Errors:              r.errors,
		AvgProcessingTime:   avg,
	}
}
