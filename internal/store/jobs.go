package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"autopilot-core/internal/models"
)

const jobColumns = `id, tenant_id, type, payload, status, priority, attempts, max_attempts,
	scheduled_at, started_at, completed_at, idempotency_key, locked_at, locked_by,
	result, error, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID             string
	TenantID       string
	Type           string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	ScheduledAt    time.Time
	IdempotencyKey string
}

// CreateJob inserts a job row, collapsing duplicates on the idempotency key.
// The boolean reports whether an existing row was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, type, payload, status, priority, attempts, max_attempts,
			scheduled_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, p.ID, p.TenantID, p.Type, p.Payload, models.StatusPending, p.Priority, p.MaxAttempts,
		p.ScheduledAt, p.IdempotencyKey, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.findJobByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}

	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, p.ID)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("reload job: %w", err)
	}
	return job, false, nil
}

func (s *Store) findJobByIdempotencyKey(ctx context.Context, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("idempotency conflict but no existing job: %w", ErrNotFound)
	}
	return job, err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the most urgent due pending job: highest
// priority first, then earliest scheduled_at. The candidate select and the
// claim are one statement with SKIP LOCKED, so a row another worker is
// claiming is passed over rather than raced for: (nil, nil) always means "no
// eligible job right now", never a lost race. tenantID narrows the claim to
// one tenant when non-empty.
func (s *Store) ClaimNextJob(ctx context.Context, tenantID, workerID string, now time.Time) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $4, locked_at = $2, locked_by = $5, attempts = attempts + 1,
		    started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $1 AND scheduled_at <= $2 AND locked_at IS NULL
			  AND ($3 = '' OR tenant_id = $3)
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, models.StatusPending, now, tenantID, models.StatusInProgress, workerID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// CompleteJob finishes an in-progress job, storing its result and clearing
// lock fields. A zero-row update means the row moved under us (cancel race)
// and is a no-op.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = NOW(), error = NULL,
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, result, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob terminally fails an in-progress job.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, completed_at = NOW(),
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RescheduleJob returns an in-progress job to pending at the given time,
// keeping the attempt count accrued by the claim. This is the failure-driven
// backoff path.
func (s *Store) RescheduleJob(ctx context.Context, id string, at time.Time, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, scheduled_at = $3, error = $4,
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, at, errMsg, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DeferJob returns an in-progress job to pending at the given time and gives
// back the attempt the claim charged. A cooperative "not now" from a handler
// must not spend the retry budget: a job that deferred repeatedly still gets
// its full maxAttempts of real failures.
func (s *Store) DeferJob(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, scheduled_at = $3, attempts = GREATEST(attempts - 1, 0),
		    error = NULL, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusPending, at, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("defer job: %w", err)
	}
	return nil
}

// CancelJob cancels a job unless it already reached a terminal state.
// Returns whether the cancellation landed.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseStuckJobs returns in-progress jobs whose lock is older than the
// cutoff back to pending. This is how the queue survives worker crashes.
func (s *Store) ReleaseStuckJobs(ctx context.Context, lockedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < $3
	`, models.StatusPending, models.StatusInProgress, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStalePendingJobs fails out jobs that sat pending since before the
// cutoff. Used by the operator's clear_queue remediation.
func (s *Store) FailStalePendingJobs(ctx context.Context, tenantID string, createdBefore time.Time, errMsg string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $3 AND status = $4 AND created_at < $5
	`, models.StatusFailed, errMsg, tenantID, models.StatusPending, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountJobsByStatus returns a status -> count map for one tenant.
func (s *Store) CountJobsByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountFailedJobsSince counts terminal failures newer than the cutoff.
func (s *Store) CountFailedJobsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE tenant_id = $1 AND status = $2 AND updated_at >= $3
	`, tenantID, models.StatusFailed, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed jobs: %w", err)
	}
	return n, nil
}

// ListPurgeableJobs returns completed/cancelled jobs older than the cutoff.
// Failed rows are never purgeable; they stay queryable for debugging.
func (s *Store) ListPurgeableJobs(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, models.StatusCompleted, models.StatusCancelled, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list purgeable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purgeable job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes rows by id.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var startedAt, completedAt, lockedAt pgtype.Timestamptz
	var lockedBy, errText pgtype.Text

	if err := row.Scan(
		&job.ID, &job.TenantID, &job.Type, &job.Payload, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.ScheduledAt, &startedAt, &completedAt,
		&job.IdempotencyKey, &lockedAt, &lockedBy, &job.Result, &errText,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}

	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.LockedAt = timePtr(lockedAt)
	job.LockedBy = textPtr(lockedBy)
	job.Error = textPtr(errText)
	return job, nil
}
