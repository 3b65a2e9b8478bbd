// Package lock provides advisory mutual exclusion over a cache-first,
// store-fallback backing. The fast path is a Redis SET-if-not-exists with a
// TTL; when the cache errors or is absent, a uniquely keyed row in Postgres
// with an explicit expiry takes over. Locks self-expire; a crashed holder
// never wedges a key for longer than its TTL.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopilot-core/internal/cache"
	"autopilot-core/internal/telemetry"
)

// Store is the durable fallback for lock state. Every mutation except the
// force-release escape hatch is conditional on the row's current state: the
// holder's token for release and extend, the expiry for the reap.
type Store interface {
	InsertLock(ctx context.Context, key, tenantID, scope, token string, expiresAt time.Time) (bool, error)
	DeleteLock(ctx context.Context, key string) error
	DeleteLockIfToken(ctx context.Context, key, token string) error
	DeleteLockIfExpired(ctx context.Context, key string, now time.Time) (bool, error)
	GetLockExpiry(ctx context.Context, key string) (time.Time, bool, error)
	ExtendLock(ctx context.Context, key, token string, expiresAt time.Time) (bool, error)
}

// Manager acquires and releases distributed locks. A nil cache is a
// supported configuration; everything then runs on the store.
type Manager struct {
	cache  cache.Cache
	store  Store
	logger *zap.Logger
}

// Lock is a held advisory lock. It is returned only on successful acquire.
type Lock struct {
	Key       string
	TenantID  string
	Token     string
	ExpiresAt time.Time

	viaCache bool
	mgr      *Manager
}

func NewManager(c cache.Cache, s Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cache: c, store: s, logger: logger}
}

// Acquire attempts to take the lock once. Contention yields (nil, nil);
// errors are reserved for store failures, the cache path degrades silently.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	scope, tenantID := splitKey(key)
	now := time.Now().UTC()

	if m.cache != nil {
		ok, err := m.cache.SetNX(ctx, cache.LockKey(key), token, ttl)
		if err == nil {
			if !ok {
				telemetry.LockContention.Inc()
				return nil, nil
			}
			telemetry.LockAcquired.Inc()
			return &Lock{Key: key, TenantID: tenantID, Token: token, ExpiresAt: now.Add(ttl), viaCache: true, mgr: m}, nil
		}
		m.logger.Warn("lock fast path unavailable, falling back to store",
			zap.String("key", key), zap.Error(err))
	}

	ok, err := m.store.InsertLock(ctx, key, tenantID, scope, token, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	if !ok {
		// Duplicate key: held, unless the row expired and was never reaped.
		expiresAt, found, err := m.store.GetLockExpiry(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found || expiresAt.After(now) {
			telemetry.LockContention.Inc()
			return nil, nil
		}
		// The reap is conditional on the row still being expired, so it can
		// never evict a fresh holder that slipped in after the read above.
		if _, err := m.store.DeleteLockIfExpired(ctx, key, now); err != nil {
			return nil, err
		}
		ok, err = m.store.InsertLock(ctx, key, tenantID, scope, token, now.Add(ttl))
		if err != nil {
			return nil, err
		}
		if !ok {
			telemetry.LockContention.Inc()
			return nil, nil
		}
	}
	telemetry.LockAcquired.Inc()
	return &Lock{Key: key, TenantID: tenantID, Token: token, ExpiresAt: now.Add(ttl), viaCache: false, mgr: m}, nil
}

// AcquireWithRetry retries a contended acquire with a fixed delay between
// attempts. It gives up after maxRetries contended tries.
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Lock, error) {
	for attempt := 0; ; attempt++ {
		l, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if attempt >= maxRetries {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// WithLock runs fn only if the lock is obtained and guarantees release on
// every exit path. The boolean reports whether fn ran.
func (m *Manager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	defer l.Release(ctx)
	return true, fn(ctx)
}

// IsLocked reports whether the key is currently held. An expired but
// undeleted store row is lazily reaped here, which keeps store-backed locks
// self-healing without a sweeper.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	if m.cache != nil {
		_, found, err := m.cache.Get(ctx, cache.LockKey(key))
		if err == nil && found {
			return true, nil
		}
		if err != nil {
			m.logger.Warn("lock fast path unavailable on read", zap.String("key", key), zap.Error(err))
		}
	}

	expiresAt, found, err := m.store.GetLockExpiry(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if now := time.Now().UTC(); expiresAt.Before(now) {
		if _, err := m.store.DeleteLockIfExpired(ctx, key, now); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ForceRelease removes the lock regardless of holder. Operational escape
// hatch only.
func (m *Manager) ForceRelease(ctx context.Context, key string) error {
	if m.cache != nil {
		if err := m.cache.Del(ctx, cache.LockKey(key)); err != nil {
			m.logger.Warn("force release cache path", zap.String("key", key), zap.Error(err))
		}
	}
	return m.store.DeleteLock(ctx, key)
}

// Extend refreshes the TTL. A false return means the lock may already be
// gone and the holder must stop assuming exclusivity.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l.viaCache {
		ok, err := l.mgr.cache.Expire(ctx, cache.LockKey(l.Key), ttl)
		if err != nil {
			l.mgr.logger.Warn("extend fast path failed", zap.String("key", l.Key), zap.Error(err))
			return false, nil
		}
		if ok {
			l.ExpiresAt = time.Now().Add(ttl)
		}
		return ok, nil
	}
	ok, err := l.mgr.store.ExtendLock(ctx, l.Key, l.Token, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, err
	}
	if ok {
		l.ExpiresAt = time.Now().Add(ttl)
	}
	return ok, nil
}

// Release drops the lock. Releasing twice, or releasing after expiry, is a
// no-op; a cache error here is swallowed since the entry self-expires anyway.
func (l *Lock) Release(ctx context.Context) error {
	if l.viaCache {
		if _, err := l.mgr.cache.DelIfEqual(ctx, cache.LockKey(l.Key), l.Token); err != nil {
			l.mgr.logger.Warn("release fast path failed, entry will expire by TTL",
				zap.String("key", l.Key), zap.Error(err))
		}
		return nil
	}
	return l.mgr.store.DeleteLockIfToken(ctx, l.Key, l.Token)
}

// splitKey derives (scope, tenant) from keys shaped like "operator:<tenant>".
// Keys without a separator have an empty tenant.
func splitKey(key string) (scope, tenant string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
