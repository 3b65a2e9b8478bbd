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

const eventColumns = `id, tenant_id, type, payload, status, attempts, max_attempts,
	scheduled_at, processed_at, idempotency_key, locked_at, locked_by, error,
	created_at, updated_at`

// CreateEventParams collects inputs required to insert an event.
type CreateEventParams struct {
	ID             string
	TenantID       string
	Type           string
	Payload        json.RawMessage
	MaxAttempts    int
	ScheduledAt    time.Time
	IdempotencyKey string
}

// CreateEvent inserts an event row, collapsing duplicates on the idempotency
// key. The boolean reports whether an existing row was reused.
func (s *Store) CreateEvent(ctx context.Context, p CreateEventParams) (models.Event, bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, tenant_id, type, payload, status, attempts, max_attempts,
			scheduled_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, p.ID, p.TenantID, p.Type, p.Payload, models.StatusPending, p.MaxAttempts,
		p.ScheduledAt, p.IdempotencyKey, now)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE idempotency_key = $1`, p.IdempotencyKey)
		existing, err := scanEvent(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, false, fmt.Errorf("idempotency conflict but no existing event: %w", ErrNotFound)
		}
		if err != nil {
			return models.Event{}, false, fmt.Errorf("load existing event: %w", err)
		}
		return existing, true, nil
	}

	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, p.ID)
	evt, err := scanEvent(row)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("reload event: %w", err)
	}
	return evt, false, nil
}

// GetEvent fetches an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// PendingEvents selects due, unlocked candidates ordered by scheduled_at.
// Selection here is optimistic; LockEvent is the authoritative claim.
func (s *Store) PendingEvents(ctx context.Context, tenantID string, now time.Time, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status = $1 AND scheduled_at <= $2 AND locked_at IS NULL
		  AND ($3 = '' OR tenant_id = $3)
		ORDER BY scheduled_at ASC
		LIMIT $4
	`, models.StatusPending, now, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// LockEvent attempts the conditional claim of a selected event, incrementing
// its attempt counter. Returns false when another worker locked it first.
func (s *Store) LockEvent(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $2, locked_at = $3, locked_by = $4, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status = $5 AND locked_at IS NULL
	`, id, models.StatusInProgress, now, workerID, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("lock event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteEvent marks an event processed by every registered handler.
func (s *Store) CompleteEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $2, processed_at = NOW(), error = NULL,
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// RescheduleEvent re-queues the whole event after a partial fan-out failure.
func (s *Store) RescheduleEvent(ctx context.Context, id string, at time.Time, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $2, scheduled_at = $3, error = $4,
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, at, errMsg, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("reschedule event: %w", err)
	}
	return nil
}

// FailEvent terminally fails an event after its attempts are exhausted.
func (s *Store) FailEvent(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $2, error = $3, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	return nil
}

// ReleaseStuckEvents mirrors ReleaseStuckJobs for the event table.
func (s *Store) ReleaseStuckEvents(ctx context.Context, lockedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < $3
	`, models.StatusPending, models.StatusInProgress, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("release stuck events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetStaleEventAttempts zeroes the attempt counter on the oldest stale
// pending events so retries bypass accumulated backoff. Used by the
// operator's retry_events remediation.
func (s *Store) ResetStaleEventAttempts(ctx context.Context, tenantID string, scheduledBefore time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET attempts = 0, scheduled_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM events
			WHERE tenant_id = $1 AND status = $2 AND scheduled_at < $3 AND attempts > 0
			ORDER BY scheduled_at ASC
			LIMIT $4
		)
	`, tenantID, models.StatusPending, scheduledBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("reset stale event attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountEventsByStatus returns a status -> count map for one tenant.
func (s *Store) CountEventsByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM events WHERE tenant_id = $1 GROUP BY status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count events by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountFailedEventsSince counts terminal failures newer than the cutoff.
func (s *Store) CountFailedEventsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
		WHERE tenant_id = $1 AND status = $2 AND updated_at >= $3
	`, tenantID, models.StatusFailed, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed events: %w", err)
	}
	return n, nil
}

// ListPurgeableEvents returns completed/cancelled events older than the cutoff.
func (s *Store) ListPurgeableEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, models.StatusCompleted, models.StatusCancelled, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list purgeable events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purgeable event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// DeleteEvents removes rows by id.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func scanEvent(row rowScanner) (models.Event, error) {
	var evt models.Event
	var processedAt, lockedAt pgtype.Timestamptz
	var lockedBy, errText pgtype.Text

	if err := row.Scan(
		&evt.ID, &evt.TenantID, &evt.Type, &evt.Payload, &evt.Status,
		&evt.Attempts, &evt.MaxAttempts, &evt.ScheduledAt, &processedAt,
		&evt.IdempotencyKey, &lockedAt, &lockedBy, &errText,
		&evt.CreatedAt, &evt.UpdatedAt,
	); err != nil {
		return models.Event{}, err
	}

	evt.ProcessedAt = timePtr(processedAt)
	evt.LockedAt = timePtr(lockedAt)
	evt.LockedBy = textPtr(lockedBy)
	evt.Error = textPtr(errText)
	return evt, nil
}
