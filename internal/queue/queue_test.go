package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopilot-core/internal/models"
	"autopilot-core/internal/store"
)

// memStore is an in-memory Store mirroring the conditional-update semantics
// of the Postgres implementation.
type memStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	byKey  map[string]string
	audits []string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*models.Job), byKey: make(map[string]string)}
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[p.IdempotencyKey]; ok {
		return *m.jobs[id], true, nil
	}
	now := time.Now().UTC()
	j := &models.Job{
		ID:             p.ID,
		TenantID:       p.TenantID,
		Type:           p.Type,
		Payload:        p.Payload,
		Status:         models.StatusPending,
		Priority:       p.Priority,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    p.ScheduledAt,
		IdempotencyKey: p.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[p.ID] = j
	m.byKey[p.IdempotencyKey] = p.ID
	return *j, false, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (m *memStore) ClaimNextJob(_ context.Context, tenantID, workerID string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusPending || j.LockedAt != nil || j.ScheduledAt.After(now) {
			continue
		}
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		due = append(due, j)
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].ScheduledAt.Before(due[b].ScheduledAt)
	})
	j := due[0]
	j.Status = models.StatusInProgress
	j.Attempts++
	j.LockedAt = &now
	j.LockedBy = &workerID
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) CompleteJob(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusInProgress {
		return nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	j.LockedAt, j.LockedBy = nil, nil
	return nil
}

func (m *memStore) FailJob(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusInProgress {
		return nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusFailed
	j.Error = &errMsg
	j.CompletedAt = &now
	j.LockedAt, j.LockedBy = nil, nil
	return nil
}

func (m *memStore) RescheduleJob(_ context.Context, id string, at time.Time, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusInProgress {
		return nil
	}
	j.Status = models.StatusPending
	j.ScheduledAt = at
	j.Error = errMsg
	j.LockedAt, j.LockedBy = nil, nil
	return nil
}

func (m *memStore) DeferJob(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusInProgress {
		return nil
	}
	j.Status = models.StatusPending
	j.ScheduledAt = at
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.Error = nil
	j.LockedAt, j.LockedBy = nil, nil
	return nil
}

func (m *memStore) CancelJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status != models.StatusPending && j.Status != models.StatusInProgress {
		return false, nil
	}
	j.Status = models.StatusCancelled
	j.LockedAt, j.LockedBy = nil, nil
	return true, nil
}

func (m *memStore) ReleaseStuckJobs(_ context.Context, lockedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.StatusInProgress && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			j.Status = models.StatusPending
			j.LockedAt, j.LockedBy = nil, nil
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountJobsByStatus(_ context.Context, tenantID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, j := range m.jobs {
		if tenantID == "" || j.TenantID == tenantID {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(_ context.Context, refID, kind, action, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, kind+":"+action+":"+refID)
	return nil
}

// rewind forces a job's scheduled_at into the past so it is immediately due.
func (m *memStore) rewind(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].ScheduledAt = time.Now().UTC().Add(-time.Minute)
}

type funcHandler struct {
	typ string
	fn  func(ctx context.Context, job models.Job) Result
}

func (h funcHandler) CanHandle(jobType string) bool { return jobType == h.typ }
func (h funcHandler) Process(ctx context.Context, job models.Job) Result {
	return h.fn(ctx, job)
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	first, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "billing.reconcile", IdempotencyKey: "inv-42"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "billing.reconcile", IdempotencyKey: "inv-42"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, st.audits, 1, "reused enqueue must not audit again")
}

func TestEnqueueDerivedKeyCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "health.check", ScheduledAt: at})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "health.check", ScheduledAt: at})
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	// Different defining fields get their own row.
	c, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t2", Type: "health.check", ScheduledAt: at})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}

func TestEnqueueDefaults(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{DefaultMaxAttempts: 5})

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x"})
	require.NoError(t, err)
	require.Equal(t, 5, job.MaxAttempts)
	require.JSONEq(t, "{}", string(job.Payload))
	require.False(t, job.ScheduledAt.IsZero())

	_, err = q.Enqueue(ctx, EnqueueParams{Type: "x"})
	require.Error(t, err)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	_, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, models.StatusInProgress, first.Status)
	require.Equal(t, 1, first.Attempts)

	second, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.Nil(t, second, "claimed job must not be claimable again")
}

func TestClaimOrdersByPriorityThenTime(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	base := time.Now().UTC().Add(-time.Hour)

	_, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", Priority: 1, ScheduledAt: base})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", Priority: 9, ScheduledAt: base.Add(time.Minute)})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, high.ID, got.ID, "higher priority wins despite later schedule")
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		return Result{Success: true, Result: json.RawMessage(`{"ok":true}`)}
	}}))

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	n, err := q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
}

func TestRetryThenTerminalFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		return Result{Err: fmt.Errorf("downstream unavailable")}
	}}))

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", MaxAttempts: 2, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	// Attempt 1: failure below the cap reschedules into the future.
	n, err := q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, _ := q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	require.True(t, got.ScheduledAt.After(time.Now().UTC()), "retry must be deferred by backoff")

	// Attempt 2 hits the cap and fails terminally.
	st.rewind(job.ID)
	n, err = q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, _ = q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Contains(t, *got.Error, "downstream unavailable")

	// Terminal rows are not claimable.
	n, err = q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCooperativeRescheduleSkipsBackoff(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		return Result{RescheduleAt: &later}
	}}))

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	_, err = q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)

	got, _ := q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusPending, got.Status)
	require.True(t, got.ScheduledAt.Equal(later))
	require.Nil(t, got.Error, "a deferral is not a failure")
	require.Zero(t, got.Attempts, "a deferral hands back the claimed attempt")
}

func TestCooperativeRescheduleDoesNotBurnRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	// Defer twice (contended lock, say), then fail for real until terminal.
	var deferrals int
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		if deferrals < 2 {
			deferrals++
			at := time.Now().UTC().Add(-time.Second)
			return Result{RescheduleAt: &at}
		}
		return Result{Err: fmt.Errorf("downstream unavailable")}
	}}))

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", MaxAttempts: 2, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		st.rewind(job.ID)
		if _, err := q.ProcessPendingJobs(ctx, 10, "w1"); err != nil {
			t.Fatalf("process: %v", err)
		}
		got, _ := q.GetJob(ctx, job.ID)
		if got.Terminal() {
			break
		}
	}

	got, _ := q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 2, deferrals)
	require.Equal(t, got.MaxAttempts, got.Attempts,
		"deferrals must leave the full retry budget: attempts may never pass maxAttempts")
}

func TestMissingHandlerFailsThroughRetryChannel(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "unknown", MaxAttempts: 1, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	_, err = q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)

	got, _ := q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, *got.Error, "no handler registered")
}

func TestHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		panic("boom")
	}}))

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", MaxAttempts: 1, ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	_, err = q.ProcessPendingJobs(ctx, 10, "w1")
	require.NoError(t, err)

	got, _ := q.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Contains(t, *got.Error, "handler panic")
}

func TestRegisterValidation(t *testing.T) {
	q := New(newMemStore(), nil, Options{})
	h := funcHandler{typ: "x", fn: func(context.Context, models.Job) Result { return Result{Success: true} }}

	require.Error(t, q.Register("", h))
	require.Error(t, q.Register("other", h), "handler must accept the type it is bound to")
	require.NoError(t, q.Register("x", h))
	require.Error(t, q.Register("x", h), "double registration is a wiring bug")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x"})
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok, "cancel of a terminal job is refused")
}

func TestReleaseStuckJobs(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{StuckJobAge: time.Minute})

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Simulate a worker that died mid-flight.
	stale := time.Now().UTC().Add(-2 * time.Minute)
	st.mu.Lock()
	st.jobs[job.ID].LockedAt = &stale
	st.mu.Unlock()

	n, err := q.ReleaseStuckJobs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	reclaimed, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed, "released job is claimable again")
	require.Equal(t, 2, reclaimed.Attempts)
}

func TestConcurrentDequeueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})

	job, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: time.Now().UTC().Add(-time.Second)})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			claimed, err := q.Dequeue(ctx, fmt.Sprintf("w%d", id))
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if claimed != nil {
				wins <- claimed.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "exactly one worker may win the claim")
	require.Equal(t, job.ID, winners[0])
}

func TestConcurrentDrainsProcessEveryJob(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		return Result{Success: true}
	}}))

	const jobs = 20
	past := time.Now().UTC().Add(-time.Second)
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, EnqueueParams{
			TenantID: "t1", Type: "x", ScheduledAt: past,
			IdempotencyKey: fmt.Sprintf("job-%d", i),
		})
		require.NoError(t, err)
	}

	const workers = 4
	var wg sync.WaitGroup
	counts := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			n, err := q.ProcessPendingJobs(ctx, jobs, fmt.Sprintf("w%d", w))
			if err != nil {
				t.Errorf("drain: %v", err)
				return
			}
			counts[w] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	require.Equal(t, jobs, total, "competing drains must jointly process every job exactly once")

	stats, err := q.GetStats(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, jobs, stats[models.StatusCompleted])
}

func TestBackoff(t *testing.T) {
	if Backoff(0) != time.Second || Backoff(1) != 2*time.Second || Backoff(3) != 8*time.Second {
		t.Fatalf("unexpected backoff curve: %s %s %s", Backoff(0), Backoff(1), Backoff(3))
	}
	for i := 0; i < 10; i++ {
		if Backoff(i+1) <= Backoff(i) {
			t.Fatalf("backoff not strictly increasing at attempt %d", i)
		}
	}
	if Backoff(40) != Backoff(33) {
		t.Fatalf("overflow clamp missing")
	}
}

func TestDrainTenantScope(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q := New(st, nil, Options{})
	require.NoError(t, q.Register("x", funcHandler{typ: "x", fn: func(context.Context, models.Job) Result {
		return Result{Success: true}
	}}))

	past := time.Now().UTC().Add(-time.Second)
	_, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t1", Type: "x", ScheduledAt: past})
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, EnqueueParams{TenantID: "t2", Type: "x", ScheduledAt: past})
	require.NoError(t, err)

	n, err := q.DrainTenant(ctx, "t1", 10, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := q.GetJob(ctx, other.ID)
	require.Equal(t, models.StatusPending, got.Status, "other tenant untouched")
}
