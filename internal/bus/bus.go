// Package bus implements the fan-out event queue. One event may have many
// registered processors; every matching processor runs on each attempt, and
// the event completes only when all of them succeed. Any single failure
// re-queues the whole event, so processors must be idempotent (typically via
// their own key derived from event id + processor name).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopilot-core/internal/models"
	"autopilot-core/internal/queue"
	"autopilot-core/internal/store"
	"autopilot-core/internal/telemetry"
)

// Processor reacts to events of the types it declares. Name identifies the
// processor in error reports and in its own idempotency keys.
type Processor interface {
	Name() string
	CanHandle(eventType string) bool
	Process(ctx context.Context, evt models.Event) error
}

// Store is the durable backing the bus needs.
type Store interface {
	CreateEvent(ctx context.Context, p store.CreateEventParams) (models.Event, bool, error)
	GetEvent(ctx context.Context, id string) (models.Event, error)
	PendingEvents(ctx context.Context, tenantID string, now time.Time, limit int) ([]models.Event, error)
	LockEvent(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	CompleteEvent(ctx context.Context, id string) error
	RescheduleEvent(ctx context.Context, id string, at time.Time, errMsg *string) error
	FailEvent(ctx context.Context, id, errMsg string) error
	ReleaseStuckEvents(ctx context.Context, lockedBefore time.Time) (int64, error)
	CountEventsByStatus(ctx context.Context, tenantID string) (map[string]int, error)
	AppendAudit(ctx context.Context, refID, kind, action, detail string) error
}

// Bus coordinates event persistence and fan-out dispatch.
type Bus struct {
	store       Store
	logger      *zap.Logger
	workerID    string
	maxAttempts int
	stuckAge    time.Duration

	mu         sync.Mutex
	processors map[string][]Processor
	processing map[string]struct{}
}

// Options tune bus behavior; zero values take defaults.
type Options struct {
	WorkerID           string        // default: random
	DefaultMaxAttempts int           // default 3
	StuckEventAge      time.Duration // default 5m
}

func New(s Store, logger *zap.Logger, opts Options) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "bus-" + uuid.NewString()
	}
	if opts.DefaultMaxAttempts == 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.StuckEventAge == 0 {
		opts.StuckEventAge = 5 * time.Minute
	}
	return &Bus{
		store:       s,
		logger:      logger,
		workerID:    opts.WorkerID,
		maxAttempts: opts.DefaultMaxAttempts,
		stuckAge:    opts.StuckEventAge,
		processors:  make(map[string][]Processor),
		processing:  make(map[string]struct{}),
	}
}

// Register adds a processor for an event type. Multiple processors per type
// are the point of the bus; the same processor name registered twice for one
// type is a wiring bug and is rejected.
func (b *Bus) Register(eventType string, p Processor) error {
	if eventType == "" || p == nil {
		return fmt.Errorf("register: empty type or nil processor")
	}
	if !p.CanHandle(eventType) {
		return fmt.Errorf("register: processor %q refuses type %q", p.Name(), eventType)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.processors[eventType] {
		if existing.Name() == p.Name() {
			return fmt.Errorf("register: processor %q already bound for type %q", p.Name(), eventType)
		}
	}
	b.processors[eventType] = append(b.processors[eventType], p)
	return nil
}

// CreateParams collects event creation inputs; zero values take defaults.
type CreateParams struct {
	TenantID       string
	Type           string
	Payload        json.RawMessage
	ScheduledAt    time.Time
	MaxAttempts    int
	IdempotencyKey string
}

// CreateEvent inserts an event idempotently, same content-hash scheme as
// jobs.
func (b *Bus) CreateEvent(ctx context.Context, p CreateParams) (models.Event, error) {
	if p.TenantID == "" || p.Type == "" {
		return models.Event{}, fmt.Errorf("create event: tenant and type are required")
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage("{}")
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = time.Now().UTC()
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = b.maxAttempts
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = models.ContentKey(p.TenantID, p.Type, p.Payload, p.ScheduledAt)
	}

	evt, reused, err := b.store.CreateEvent(ctx, store.CreateEventParams{
		ID:             uuid.NewString(),
		TenantID:       p.TenantID,
		Type:           p.Type,
		Payload:        p.Payload,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    p.ScheduledAt,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return models.Event{}, err
	}
	if !reused {
		telemetry.EventsCreated.Inc()
		_ = b.store.AppendAudit(ctx, evt.ID, "event", "created",
			fmt.Sprintf("tenant=%s type=%s", p.TenantID, p.Type))
	}
	return evt, nil
}

// ProcessPendingEvents selects due events and fans each out. Selection and
// locking are separate steps: two processes can both select an event, but
// the conditional lock update lets only one past, the loser just skips.
func (b *Bus) ProcessPendingEvents(ctx context.Context, limit int) (int, error) {
	return b.drain(ctx, "", limit)
}

// DrainTenant is ProcessPendingEvents narrowed to one tenant.
func (b *Bus) DrainTenant(ctx context.Context, tenantID string, limit int) (int, error) {
	return b.drain(ctx, tenantID, limit)
}

func (b *Bus) drain(ctx context.Context, tenantID string, limit int) (int, error) {
	candidates, err := b.store.PendingEvents(ctx, tenantID, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, evt := range candidates {
		ok, err := b.processEvent(ctx, evt)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// processEvent claims and fans out one event. The boolean reports whether
// this process actually ran it.
func (b *Bus) processEvent(ctx context.Context, evt models.Event) (bool, error) {
	if !b.begin(evt.ID) {
		return false, nil
	}
	defer b.end(evt.ID)

	locked, err := b.store.LockEvent(ctx, evt.ID, b.workerID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !locked {
		// Lost the cross-process race; the winner handles it.
		return false, nil
	}
	evt.Attempts++ // mirror the claim's increment

	procs := b.matching(evt.Type)
	failures := b.fanOut(ctx, evt, procs)

	if len(failures) == 0 {
		if err := b.store.CompleteEvent(ctx, evt.ID); err != nil {
			return false, err
		}
		telemetry.EventsCompleted.Inc()
		_ = b.store.AppendAudit(ctx, evt.ID, "event", "completed",
			fmt.Sprintf("processors=%d", len(procs)))
		return true, nil
	}

	msg := strings.Join(failures, "; ")
	if evt.Attempts >= evt.MaxAttempts {
		if err := b.store.FailEvent(ctx, evt.ID, msg); err != nil {
			return false, err
		}
		telemetry.EventsFailed.Inc()
		_ = b.store.AppendAudit(ctx, evt.ID, "event", "failed",
			fmt.Sprintf("attempts=%d error=%s", evt.Attempts, msg))
		b.logger.Warn("event exhausted attempts",
			zap.String("event", evt.ID), zap.String("tenant", evt.TenantID),
			zap.String("type", evt.Type), zap.String("error", msg))
		return true, nil
	}

	next := time.Now().UTC().Add(queue.Backoff(evt.Attempts))
	if err := b.store.RescheduleEvent(ctx, evt.ID, next, &msg); err != nil {
		return false, err
	}
	telemetry.EventsRetried.Inc()
	_ = b.store.AppendAudit(ctx, evt.ID, "event", "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", next.Format(time.RFC3339), evt.Attempts))
	return true, nil
}

// fanOut runs every processor concurrently and returns the failures, sorted
// by processor name for stable error strings. A whole-event retry re-runs
// processors that already succeeded; that is the documented contract and why
// processors carry their own idempotency.
func (b *Bus) fanOut(ctx context.Context, evt models.Event, procs []Processor) []string {
	if len(procs) == 0 {
		// Misconfiguration surfaces through the normal failure channel.
		return []string{fmt.Sprintf("no processor registered for type %q", evt.Type)}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)
	for _, p := range procs {
		wg.Add(1)
		go func(p Processor) {
			defer wg.Done()
			if err := b.runProcessor(ctx, p, evt); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	sort.Strings(failures)
	return failures
}

func (b *Bus) runProcessor(ctx context.Context, p Processor, evt models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, evt)
}

// ReleaseStuckEvents mirrors the queue's stuck-job recovery.
func (b *Bus) ReleaseStuckEvents(ctx context.Context) (int64, error) {
	return b.store.ReleaseStuckEvents(ctx, time.Now().UTC().Add(-b.stuckAge))
}

// GetStats returns event counts by status for one tenant.
func (b *Bus) GetStats(ctx context.Context, tenantID string) (map[string]int, error) {
	return b.store.CountEventsByStatus(ctx, tenantID)
}

func (b *Bus) matching(eventType string) []Processor {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Processor
	for _, p := range b.processors[eventType] {
		if p.CanHandle(eventType) {
			out = append(out, p)
		}
	}
	return out
}

func (b *Bus) begin(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.processing[id]; busy {
		return false
	}
	b.processing[id] = struct{}{}
	return true
}

func (b *Bus) end(id string) {
	b.mu.Lock()
	delete(b.processing, id)
	b.mu.Unlock()
}
