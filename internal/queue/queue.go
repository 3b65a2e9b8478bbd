// Package queue implements the durable priority job queue: idempotent
// enqueue, exclusive claim via conditional update, retry with exponential
// backoff, and stuck-job recovery. Multiple worker processes drain the same
// tables concurrently; the store's conditional updates arbitrate every race.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopilot-core/internal/models"
	"autopilot-core/internal/store"
	"autopilot-core/internal/telemetry"
)

// Result is what a handler reports back for one attempt. RescheduleAt is a
// cooperative "not now" distinct from failure: the job returns to pending at
// that time without burning the retry backoff.
type Result struct {
	Success      bool
	Result       json.RawMessage
	Err          error
	RescheduleAt *time.Time
}

// Handler processes jobs of a registered type.
type Handler interface {
	CanHandle(jobType string) bool
	Process(ctx context.Context, job models.Job) Result
}

// Store is the durable backing the queue needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimNextJob(ctx context.Context, tenantID, workerID string, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	FailJob(ctx context.Context, id, errMsg string) error
	RescheduleJob(ctx context.Context, id string, at time.Time, errMsg *string) error
	DeferJob(ctx context.Context, id string, at time.Time) error
	CancelJob(ctx context.Context, id string) (bool, error)
	ReleaseStuckJobs(ctx context.Context, lockedBefore time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context, tenantID string) (map[string]int, error)
	AppendAudit(ctx context.Context, refID, kind, action, detail string) error
}

// Queue coordinates job persistence and handler dispatch.
type Queue struct {
	store       Store
	logger      *zap.Logger
	maxAttempts int
	stuckAge    time.Duration

	mu         sync.Mutex
	handlers   map[string]Handler
	processing map[string]struct{}
}

// Options tune queue behavior; zero values take defaults.
type Options struct {
	DefaultMaxAttempts int           // default 3
	StuckJobAge        time.Duration // default 5m
}

func New(s Store, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultMaxAttempts == 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.StuckJobAge == 0 {
		opts.StuckJobAge = 5 * time.Minute
	}
	return &Queue{
		store:       s,
		logger:      logger,
		maxAttempts: opts.DefaultMaxAttempts,
		stuckAge:    opts.StuckJobAge,
		handlers:    make(map[string]Handler),
		processing:  make(map[string]struct{}),
	}
}

// Register binds a handler to a job type. Registration is validated up
// front: a second handler for the same type is a wiring bug, not a runtime
// surprise.
func (q *Queue) Register(jobType string, h Handler) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("register: empty type or nil handler")
	}
	if !h.CanHandle(jobType) {
		return fmt.Errorf("register: handler refuses type %q", jobType)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("register: handler already bound for type %q", jobType)
	}
	q.handlers[jobType] = h
	return nil
}

// EnqueueParams collects enqueue inputs; zero values take defaults.
type EnqueueParams struct {
	TenantID       string
	Type           string
	Payload        json.RawMessage
	Priority       int
	ScheduledAt    time.Time
	MaxAttempts    int
	IdempotencyKey string
}

// Enqueue inserts a job idempotently. Without an explicit key, one is
// derived by hashing the job's defining fields, so re-enqueueing on retry of
// the triggering operation collapses into the existing row.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.TenantID == "" || p.Type == "" {
		return models.Job{}, fmt.Errorf("enqueue: tenant and type are required")
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = q.maxAttempts
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = models.ContentKey(p.TenantID, p.Type, p.Payload, p.ScheduledAt)
	}

	job, reused, err := q.store.CreateJob(ctx, store.CreateJobParams{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		Type:           p.Type,
		Payload:        p.Payload,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    p.ScheduledAt,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return models.Job{}, err
	}
	if !reused {
		telemetry.JobsEnqueued.Inc()
		_ = q.store.AppendAudit(ctx, job.ID, "job", "enqueued",
			fmt.Sprintf("tenant=%s type=%s priority=%d", p.TenantID, p.Type, p.Priority))
	}
	return job, nil
}

// Dequeue claims the next due job for this worker, or nil when none is
// eligible or the race was lost.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*models.Job, error) {
	return q.store.ClaimNextJob(ctx, "", workerID, time.Now().UTC())
}

// ProcessPendingJobs claims and runs up to limit due jobs. Returns how many
// were processed; store unavailability is the only error that escapes.
func (q *Queue) ProcessPendingJobs(ctx context.Context, limit int, workerID string) (int, error) {
	return q.drain(ctx, "", limit, workerID)
}

// DrainTenant is ProcessPendingJobs narrowed to one tenant, used by the
// operator cycle.
func (q *Queue) DrainTenant(ctx context.Context, tenantID string, limit int, workerID string) (int, error) {
	return q.drain(ctx, tenantID, limit, workerID)
}

func (q *Queue) drain(ctx context.Context, tenantID string, limit int, workerID string) (int, error) {
	processed := 0
	for processed < limit {
		job, err := q.store.ClaimNextJob(ctx, tenantID, workerID, time.Now().UTC())
		if err != nil {
			return processed, err
		}
		if job == nil {
			break
		}
		if err := q.process(ctx, *job); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// process runs the claimed job through its handler and lands the outcome.
// Handler failures feed the retry state machine; only store errors escape.
func (q *Queue) process(ctx context.Context, job models.Job) error {
	if !q.begin(job.ID) {
		// Already running in this process; the claim layer should make this
		// impossible, the guard is the second belt.
		return nil
	}
	defer q.end(job.ID)

	res := q.runHandler(ctx, job)

	switch {
	case res.Success:
		if err := q.store.CompleteJob(ctx, job.ID, res.Result); err != nil {
			return err
		}
		telemetry.JobsCompleted.Inc()
		_ = q.store.AppendAudit(ctx, job.ID, "job", "completed", "")
		return nil

	case res.RescheduleAt != nil:
		// Cooperative deferral hands back the attempt the claim charged, so
		// waiting on a lock or a budget window never spends the retry budget.
		if err := q.store.DeferJob(ctx, job.ID, res.RescheduleAt.UTC()); err != nil {
			return err
		}
		_ = q.store.AppendAudit(ctx, job.ID, "job", "deferred",
			fmt.Sprintf("until=%s", res.RescheduleAt.UTC().Format(time.RFC3339)))
		return nil

	default:
		msg := "handler reported failure"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if job.Attempts >= job.MaxAttempts {
			if err := q.store.FailJob(ctx, job.ID, msg); err != nil {
				return err
			}
			telemetry.JobsFailed.Inc()
			_ = q.store.AppendAudit(ctx, job.ID, "job", "failed",
				fmt.Sprintf("attempts=%d error=%s", job.Attempts, msg))
			q.logger.Warn("job exhausted attempts",
				zap.String("job", job.ID), zap.String("tenant", job.TenantID),
				zap.String("type", job.Type), zap.String("error", msg))
			return nil
		}
		next := time.Now().UTC().Add(Backoff(job.Attempts))
		if err := q.store.RescheduleJob(ctx, job.ID, next, &msg); err != nil {
			return err
		}
		telemetry.JobsRetried.Inc()
		_ = q.store.AppendAudit(ctx, job.ID, "job", "retry_scheduled",
			fmt.Sprintf("next_run=%s attempts=%d", next.Format(time.RFC3339), job.Attempts))
		return nil
	}
}

// runHandler dispatches to the registered handler, converting a missing
// handler and panics into ordinary failures so misconfiguration surfaces
// through the normal retry-then-failed channel.
func (q *Queue) runHandler(ctx context.Context, job models.Job) (res Result) {
	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()
	if !ok || !h.CanHandle(job.Type) {
		return Result{Err: fmt.Errorf("no handler registered for type %q", job.Type)}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return h.Process(ctx, job)
}

// Complete finishes a job from outside the processing loop.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	if err := q.store.CompleteJob(ctx, jobID, result); err != nil {
		return err
	}
	_ = q.store.AppendAudit(ctx, jobID, "job", "completed", "")
	return nil
}

// Fail terminally fails a job from outside the processing loop.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	if err := q.store.FailJob(ctx, jobID, errMsg); err != nil {
		return err
	}
	_ = q.store.AppendAudit(ctx, jobID, "job", "failed", errMsg)
	return nil
}

// Cancel cancels a not-yet-terminal job. A race against an in-flight claim
// resolves on whichever conditional update lands first.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		_ = q.store.AppendAudit(ctx, jobID, "job", "cancelled", "")
	}
	return ok, nil
}

// ReleaseStuckJobs forces in-progress jobs with stale locks back to pending.
// This is the crash-recovery path: no crash detection, just a bounded
// worst-case re-processing delay.
func (q *Queue) ReleaseStuckJobs(ctx context.Context) (int64, error) {
	n, err := q.store.ReleaseStuckJobs(ctx, time.Now().UTC().Add(-q.stuckAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		q.logger.Info("reclaimed stuck jobs", zap.Int64("count", n))
	}
	return n, nil
}

// GetStats returns job counts by status for one tenant.
func (q *Queue) GetStats(ctx context.Context, tenantID string) (map[string]int, error) {
	return q.store.CountJobsByStatus(ctx, tenantID)
}

// GetJob exposes a read-only row lookup.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) begin(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.processing[id]; busy {
		return false
	}
	q.processing[id] = struct{}{}
	return true
}

func (q *Queue) end(id string) {
	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()
}

// Backoff is the retry delay after the given number of attempts: 2^attempts
// seconds, deliberately uncapped. The shift is clamped only to keep the
// arithmetic from overflowing.
func Backoff(attempts int) time.Duration {
	if attempts > 32 {
		attempts = 32
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

