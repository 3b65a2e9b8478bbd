package store

import (
	"context"
	"fmt"
	"time"
)

// ConsumeUsage is the budget tracker's fallback when the cache counters are
// unavailable: check both window ceilings and append the usage row as one
// atomic operation. A per-(tenant,resource) advisory lock serializes
// concurrent consumers so two of them can never both read pre-append sums
// and jointly exceed a ceiling. Returns whether the consumption was granted.
func (s *Store) ConsumeUsage(ctx context.Context, tenantID, resource string, amount int, at, dailySince, hourlySince time.Time, dailyLimit, hourlyLimit int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin consume usage: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))
	`, tenantID, resource); err != nil {
		return false, fmt.Errorf("serialize consume usage: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_log (tenant_id, resource, amount, used_at)
		SELECT $1, $2, $3, $4
		WHERE (SELECT COALESCE(SUM(amount), 0) FROM usage_log
		       WHERE tenant_id = $1 AND resource = $2 AND used_at >= $5) + $3 <= $6
		  AND (SELECT COALESCE(SUM(amount), 0) FROM usage_log
		       WHERE tenant_id = $1 AND resource = $2 AND used_at >= $7) + $3 <= $8
	`, tenantID, resource, amount, at, dailySince, dailyLimit, hourlySince, hourlyLimit)
	if err != nil {
		return false, fmt.Errorf("consume usage: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit consume usage: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SumUsageSince recomputes window consumption by summing audit rows newer
// than the cutoff. Deliberately simple over fast.
func (s *Store) SumUsageSince(ctx context.Context, tenantID, resource string, since time.Time) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM usage_log
		WHERE tenant_id = $1 AND resource = $2 AND used_at >= $3
	`, tenantID, resource, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// PurgeUsageBefore drops audit rows older than any live window.
func (s *Store) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_log WHERE used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAudit adds a lifecycle audit row for a job or event.
func (s *Store) AppendAudit(ctx context.Context, refID, kind, action, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (ref_id, kind, action, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, refID, kind, action, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
