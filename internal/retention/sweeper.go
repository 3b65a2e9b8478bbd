// Package retention removes completed and cancelled job/event rows once
// they age past the configured window. Failed rows are never swept; they
// stay queryable for debugging. When an archive sink is configured, each
// purged batch is written out before deletion.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopilot-core/internal/models"
)

const batchSize = 500

// Store is the durable surface the sweeper needs.
type Store interface {
	ListPurgeableJobs(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []string) error
	ListPurgeableEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error)
	DeleteEvents(ctx context.Context, ids []string) error
}

// Archiver persists a batch of purged rows somewhere cold. Upload errors
// abort the purge; rows are never deleted unarchived.
type Archiver interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Sweeper runs retention passes.
type Sweeper struct {
	store   Store
	archive Archiver // nil means purge without archiving
	window  time.Duration
	logger  *zap.Logger
}

func NewSweeper(s Store, archive Archiver, window time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window == 0 {
		window = 30 * 24 * time.Hour
	}
	return &Sweeper{store: s, archive: archive, window: window, logger: logger}
}

// Sweep purges one batch of expired jobs and events. Returns how many rows
// were removed; callers run it on a timer until it reports zero.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.window)

	jobs, err := s.store.ListPurgeableJobs(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) > 0 {
		if err := s.archiveBatch(ctx, "jobs", jobs); err != nil {
			return 0, err
		}
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		if err := s.store.DeleteJobs(ctx, ids); err != nil {
			return 0, err
		}
	}

	events, err := s.store.ListPurgeableEvents(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) > 0 {
		if err := s.archiveBatch(ctx, "events", events); err != nil {
			return 0, err
		}
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := s.store.DeleteEvents(ctx, ids); err != nil {
			return 0, err
		}
	}

	purged := len(jobs) + len(events)
	if purged > 0 {
		s.logger.Info("retention sweep",
			zap.Int("jobs", len(jobs)), zap.Int("events", len(events)))
	}
	return purged, nil
}

// Run executes sweeps on the interval until the context ends, draining
// full batches back-to-back.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("retention sweep failed", zap.Error(err))
					break
				}
				if n < batchSize {
					break
				}
			}
		}
	}
}

func (s *Sweeper) archiveBatch(ctx context.Context, kind string, rows any) error {
	if s.archive == nil {
		return nil
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal %s archive batch: %w", kind, err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", kind, time.Now().UTC().Format("2006/01/02"), uuid.NewString())
	if _, err := s.archive.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("upload %s archive batch: %w", kind, err)
	}
	return nil
}
