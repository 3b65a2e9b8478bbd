package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertLock tries to take a store-backed lock by inserting a uniquely keyed
// row carrying the holder's token. A duplicate key means the lock is already
// held; that is reported as (false, nil), never as an error.
func (s *Store) InsertLock(ctx context.Context, key, tenantID, scope, token string, expiresAt time.Time) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locks (lock_key, tenant_id, scope, token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key, tenantID, scope, token, expiresAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return true, nil
}

// DeleteLock removes a lock row regardless of holder. Only the operational
// force-release path may use this; ordinary release is token-checked.
func (s *Store) DeleteLock(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE lock_key = $1`, key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// DeleteLockIfToken releases a store-backed lock only while the row still
// carries the caller's token, so a holder whose TTL lapsed cannot release a
// row a new holder has since inserted. Deleting an absent or reowned row is
// a no-op; release must be idempotent.
func (s *Store) DeleteLockIfToken(ctx context.Context, key, token string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM locks WHERE lock_key = $1 AND token = $2
	`, key, token); err != nil {
		return fmt.Errorf("delete lock by token: %w", err)
	}
	return nil
}

// DeleteLockIfExpired reaps a lock row only while it is still expired.
// Returns whether a row was removed; losing the reap to a fresh holder's
// insert is reported as false, never as an error.
func (s *Store) DeleteLockIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM locks WHERE lock_key = $1 AND expires_at < $2
	`, key, now)
	if err != nil {
		return false, fmt.Errorf("reap expired lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLockExpiry reads a lock row's expiry. The boolean reports presence.
func (s *Store) GetLockExpiry(ctx context.Context, key string) (time.Time, bool, error) {
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT expires_at FROM locks WHERE lock_key = $1`, key).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get lock expiry: %w", err)
	}
	return expiresAt, true, nil
}

// ExtendLock pushes a still-live lock's expiry forward, only while the row
// still carries the caller's token. Returns false when the row is gone,
// expired, or reowned, meaning the holder lost exclusivity.
func (s *Store) ExtendLock(ctx context.Context, key, token string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET expires_at = $3
		WHERE lock_key = $1 AND token = $2 AND expires_at > NOW()
	`, key, token, expiresAt)
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
