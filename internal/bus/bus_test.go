package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopilot-core/internal/models"
	"autopilot-core/internal/store"
)

// memStore mirrors the select-then-lock semantics of the Postgres event
// store.
type memStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	byKey  map[string]string
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string]*models.Event), byKey: make(map[string]string)}
}

func (m *memStore) CreateEvent(_ context.Context, p store.CreateEventParams) (models.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[p.IdempotencyKey]; ok {
		return *m.events[id], true, nil
	}
	now := time.Now().UTC()
	e := &models.Event{
		ID:             p.ID,
		TenantID:       p.TenantID,
		Type:           p.Type,
		Payload:        p.Payload,
		Status:         models.StatusPending,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    p.ScheduledAt,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.events[p.ID] = e
	m.byKey[p.IdempotencyKey] = p.ID
	return *e, false, nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return models.Event{}, store.ErrNotFound
	}
	return *e, nil
}

func (m *memStore) PendingEvents(_ context.Context, tenantID string, now time.Time, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.Status != models.StatusPending || e.LockedAt != nil || e.ScheduledAt.After(now) {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ScheduledAt.Before(out[b].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) LockEvent(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != models.StatusPending || e.LockedAt != nil {
		return false, nil
	}
	e.Status = models.StatusInProgress
	e.Attempts++
	e.LockedAt = &now
	e.LockedBy = &workerID
	return true, nil
}

func (m *memStore) CompleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != models.StatusInProgress {
		return nil
	}
	now := time.Now().UTC()
	e.Status = models.StatusCompleted
	e.ProcessedAt = &now
	e.LockedAt, e.LockedBy = nil, nil
	return nil
}

func (m *memStore) RescheduleEvent(_ context.Context, id string, at time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != models.StatusInProgress {
		return nil
	}
	e.Status = models.StatusPending
	e.ScheduledAt = at
	e.Error = errMsg
	e.LockedAt, e.LockedBy = nil, nil
	return nil
}

func (m *memStore) FailEvent(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok || e.Status != models.StatusInProgress {
		return nil
	}
	now := time.Now().UTC()
	e.Status = models.StatusFailed
	e.Error = &errMsg
	e.ProcessedAt = &now
	e.LockedAt, e.LockedBy = nil, nil
	return nil
}

func (m *memStore) ReleaseStuckEvents(_ context.Context, lockedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if e.Status == models.StatusInProgress && e.LockedAt != nil && e.LockedAt.Before(lockedBefore) {
			e.Status = models.StatusPending
			e.LockedAt, e.LockedBy = nil, nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountEventsByStatus(_ context.Context, tenantID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, e := range m.events {
		if tenantID == "" || e.TenantID == tenantID {
			out[e.Status]++
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(context.Context, string, string, string, string) error { return nil }

func (m *memStore) rewind(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id].ScheduledAt = time.Now().UTC().Add(-time.Minute)
}

type funcProcessor struct {
	name string
	typ  string
	fn   func(ctx context.Context, evt models.Event) error
}

func (p *funcProcessor) Name() string                 { return p.name }
func (p *funcProcessor) CanHandle(eventType string) bool { return eventType == p.typ }
func (p *funcProcessor) Process(ctx context.Context, evt models.Event) error {
	return p.fn(ctx, evt)
}

func TestCreateEventIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New(newMemStore(), nil, Options{})

	a, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", IdempotencyKey: "k"})
	require.NoError(t, err)
	c, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", IdempotencyKey: "k"})
	require.NoError(t, err)
	require.Equal(t, a.ID, c.ID)
}

func TestFanOutAllSucceedCompletes(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})

	var calls int32
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, b.Register("x", &funcProcessor{name: name, typ: "x", fn: func(context.Context, models.Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}}))
	}

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	n, err := b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))

	got, _ := st.GetEvent(ctx, evt.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 1, got.Attempts)
}

func TestFanOutPartialFailureRetriesWholeEvent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})

	var goodRuns int32
	require.NoError(t, b.Register("x", &funcProcessor{name: "good", typ: "x", fn: func(context.Context, models.Event) error {
		atomic.AddInt32(&goodRuns, 1)
		return nil
	}}))
	require.NoError(t, b.Register("x", &funcProcessor{name: "bad", typ: "x", fn: func(context.Context, models.Event) error {
		return fmt.Errorf("webhook 500")
	}}))

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", MaxAttempts: 3, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	n, err := b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := st.GetEvent(ctx, evt.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Contains(t, *got.Error, "bad: webhook 500")
	require.True(t, got.ScheduledAt.After(time.Now().UTC()))

	// The retry re-runs the processor that already succeeded.
	st.rewind(evt.ID)
	_, err = b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&goodRuns))
}

func TestFanOutExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})
	require.NoError(t, b.Register("x", &funcProcessor{name: "bad", typ: "x", fn: func(context.Context, models.Event) error {
		return fmt.Errorf("always down")
	}}))

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", MaxAttempts: 2, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		st.rewind(evt.ID)
		_, err = b.ProcessPendingEvents(ctx, 10)
		require.NoError(t, err)
	}

	got, _ := st.GetEvent(ctx, evt.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 2, got.Attempts)
}

func TestNoProcessorIsAFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "orphan", MaxAttempts: 1, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	_, err = b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)

	got, _ := st.GetEvent(ctx, evt.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, *got.Error, "no processor registered")
}

func TestProcessorPanicIsContained(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})
	require.NoError(t, b.Register("x", &funcProcessor{name: "panicky", typ: "x", fn: func(context.Context, models.Event) error {
		panic("boom")
	}}))

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", MaxAttempts: 1, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	_, err = b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)

	got, _ := st.GetEvent(ctx, evt.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, *got.Error, "processor panic")
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	b := New(newMemStore(), nil, Options{})
	p := &funcProcessor{name: "p", typ: "x", fn: func(context.Context, models.Event) error { return nil }}

	require.NoError(t, b.Register("x", p))
	require.Error(t, b.Register("x", p))
	require.Error(t, b.Register("y", p), "processor must accept the type it is bound to")
}

func TestLockLosersSkip(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{WorkerID: "w1"})
	require.NoError(t, b.Register("x", &funcProcessor{name: "p", typ: "x", fn: func(context.Context, models.Event) error {
		return nil
	}}))

	evt, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	// Another process claims the row between our select and lock.
	locked, err := st.LockEvent(ctx, evt.ID, "w2", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, locked)

	n, err := b.ProcessPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n, "lost race means skip, not error")
}

func TestDrainTenantScope(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	b := New(st, nil, Options{})
	require.NoError(t, b.Register("x", &funcProcessor{name: "p", typ: "x", fn: func(context.Context, models.Event) error {
		return nil
	}}))

	past := time.Now().UTC().Add(-time.Second)
	_, err := b.CreateEvent(ctx, CreateParams{TenantID: "t1", Type: "x", ScheduledAt: past})
	require.NoError(t, err)
	other, err := b.CreateEvent(ctx, CreateParams{TenantID: "t2", Type: "x", ScheduledAt: past})
	require.NoError(t, err)

	n, err := b.DrainTenant(ctx, "t1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := st.GetEvent(ctx, other.ID)
	require.Equal(t, models.StatusPending, got.Status)
}
