// Package ratelimit enforces per-tenant, per-resource consumption ceilings
// over daily and hourly windows. The fast path is an atomic cache counter
// with a TTL equal to the window; when the cache is unavailable, consumption
// is recorded as append-only audit rows and recomputed by summing rows inside
// the window. Slow, but correct with zero cache.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"autopilot-core/internal/cache"
	"autopilot-core/internal/models"
	"autopilot-core/internal/telemetry"
)

// Budget windows.
const (
	PeriodDaily  = "daily"
	PeriodHourly = "hourly"
)

const (
	dailyWindow  = 24 * time.Hour
	hourlyWindow = time.Hour

	// The hourly ceiling is a fixed fraction of the daily one, smoothing
	// consumption inside the day. Not independently configurable.
	hourlyDivisor = 20
)

// Store is the durable side of the tracker: budget resolution input and the
// audit-row fallback. ConsumeUsage must be atomic: the ceiling check and the
// row append happen as one operation, serialized per (tenant, resource).
type Store interface {
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	ConsumeUsage(ctx context.Context, tenantID, resource string, amount int, at, dailySince, hourlySince time.Time, dailyLimit, hourlyLimit int) (bool, error)
	SumUsageSince(ctx context.Context, tenantID, resource string, since time.Time) (int, error)
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tracker checks and consumes per-tenant budgets.
type Tracker struct {
	cache  cache.Cache
	store  Store
	logger *zap.Logger
}

// ResourceStats is one resource's budget position.
type ResourceStats struct {
	Limit     int `json:"limit"`
	Consumed  int `json:"consumed"`
	Remaining int `json:"remaining"`
}

// Stats is the per-tenant budget snapshot.
type Stats struct {
	Resources     map[string]ResourceStats `json:"resources"`
	ResetAt       time.Time                `json:"reset_at"`
	OveragePolicy string                   `json:"overage_policy"`
}

func NewTracker(c cache.Cache, s Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cache: c, store: s, logger: logger}
}

// CheckBudget reports whether the tenant can consume amount of resource
// without breaching either window's ceiling. It does not consume.
func (t *Tracker) CheckBudget(ctx context.Context, tenantID, resource string, amount int) (bool, error) {
	daily, hourly, err := t.limits(ctx, tenantID, resource)
	if err != nil {
		return false, err
	}
	consumedDaily, err := t.Consumed(ctx, tenantID, resource, PeriodDaily)
	if err != nil {
		return false, err
	}
	if consumedDaily+amount > daily {
		return false, nil
	}
	consumedHourly, err := t.Consumed(ctx, tenantID, resource, PeriodHourly)
	if err != nil {
		return false, err
	}
	return consumedHourly+amount <= hourly, nil
}

// ConsumeBudget checks and increments as one operation from the caller's
// point of view: a failed check increments nothing. On the cache path the
// increment itself is the check (increment, then roll back on overshoot);
// the store fallback serializes check-and-append per (tenant, resource).
// Either way, concurrent consumers can never jointly over-grant.
func (t *Tracker) ConsumeBudget(ctx context.Context, tenantID, resource string, amount int) (bool, error) {
	daily, hourly, err := t.limits(ctx, tenantID, resource)
	if err != nil {
		return false, err
	}

	if t.cache != nil {
		ok, err := t.consumeCached(ctx, tenantID, resource, amount, daily, hourly)
		if err == nil {
			if !ok {
				telemetry.BudgetDenials.Inc()
			}
			return ok, nil
		}
		t.logger.Warn("budget fast path unavailable, falling back to audit rows",
			zap.String("tenant", tenantID), zap.String("resource", resource), zap.Error(err))
	}

	now := time.Now().UTC()
	granted, err := t.store.ConsumeUsage(ctx, tenantID, resource, amount, now,
		now.Add(-dailyWindow), now.Add(-hourlyWindow), daily, hourly)
	if err != nil {
		return false, err
	}
	if !granted {
		telemetry.BudgetDenials.Inc()
	}
	return granted, nil
}

// consumeCached increments both window counters and rolls back on overshoot.
func (t *Tracker) consumeCached(ctx context.Context, tenantID, resource string, amount, daily, hourly int) (bool, error) {
	n := int64(amount)
	dailyKey := cache.BudgetKey(tenantID, resource, PeriodDaily)
	hourlyKey := cache.BudgetKey(tenantID, resource, PeriodHourly)

	v, err := t.cache.IncrWindow(ctx, dailyKey, n, dailyWindow)
	if err != nil {
		return false, err
	}
	if v > int64(daily) {
		if err := t.cache.DecrBy(ctx, dailyKey, n); err != nil {
			return false, err
		}
		return false, nil
	}

	h, err := t.cache.IncrWindow(ctx, hourlyKey, n, hourlyWindow)
	if err != nil {
		return false, err
	}
	if h > int64(hourly) {
		if err := t.cache.DecrBy(ctx, hourlyKey, n); err != nil {
			return false, err
		}
		if err := t.cache.DecrBy(ctx, dailyKey, n); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Consumed returns the tenant's current consumption for one resource and
// period, from the cache counter when available, recomputed from audit rows
// otherwise.
func (t *Tracker) Consumed(ctx context.Context, tenantID, resource, period string) (int, error) {
	window := dailyWindow
	if period == PeriodHourly {
		window = hourlyWindow
	}

	if t.cache != nil {
		val, found, err := t.cache.Get(ctx, cache.BudgetKey(tenantID, resource, period))
		if err == nil {
			if !found {
				return 0, nil
			}
			n, convErr := strconv.Atoi(val)
			if convErr == nil {
				return n, nil
			}
		} else {
			t.logger.Warn("budget fast path unavailable on read",
				zap.String("tenant", tenantID), zap.String("resource", resource), zap.Error(err))
		}
	}
	return t.store.SumUsageSince(ctx, tenantID, resource, time.Now().UTC().Add(-window))
}

// GetRemainingBudget returns how much of the resource's ceiling is left in
// the given period. Never negative.
func (t *Tracker) GetRemainingBudget(ctx context.Context, tenantID, resource, period string) (int, error) {
	daily, hourly, err := t.limits(ctx, tenantID, resource)
	if err != nil {
		return 0, err
	}
	limit := daily
	if period == PeriodHourly {
		limit = hourly
	}
	consumed, err := t.Consumed(ctx, tenantID, resource, period)
	if err != nil {
		return 0, err
	}
	if remaining := limit - consumed; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// GetStats snapshots every resource's daily position for one tenant.
func (t *Tracker) GetStats(ctx context.Context, tenantID string) (Stats, error) {
	tenant, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	policy := models.ResolvePolicy(tenant)

	stats := Stats{
		Resources:     make(map[string]ResourceStats, len(models.Resources)),
		ResetAt:       nextMidnightUTC(time.Now().UTC()),
		OveragePolicy: policy.OveragePolicy,
	}
	for _, resource := range models.Resources {
		limit := policy.Budgets[resource]
		consumed, err := t.Consumed(ctx, tenantID, resource, PeriodDaily)
		if err != nil {
			return Stats{}, err
		}
		remaining := limit - consumed
		if remaining < 0 {
			remaining = 0
		}
		stats.Resources[resource] = ResourceStats{Limit: limit, Consumed: consumed, Remaining: remaining}
	}
	return stats, nil
}

// ResetBudgets is the daily maintenance sweep: audit rows older than the
// daily window are dead weight and get purged. Cache counters carry their
// own window TTLs and roll over without help.
func (t *Tracker) ResetBudgets(ctx context.Context) (int64, error) {
	return t.store.PurgeUsageBefore(ctx, time.Now().UTC().Add(-dailyWindow))
}

// limits resolves the daily and derived hourly ceiling for one resource.
// There is no unlimited tier; an unknown resource has a zero ceiling.
func (t *Tracker) limits(ctx context.Context, tenantID, resource string) (daily, hourly int, err error) {
	tenant, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	policy := models.ResolvePolicy(tenant)
	daily = policy.Budgets[resource]
	hourly = daily / hourlyDivisor
	if hourly < 1 && daily > 0 {
		hourly = 1
	}
	return daily, hourly, nil
}

func nextMidnightUTC(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
