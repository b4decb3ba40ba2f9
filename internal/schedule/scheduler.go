// Package schedule maps source cron expressions onto queued feed jobs.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// entry tracks one scheduled source so Sync can detect edits.
type entry struct {
	cronID   cron.EntryID
	schedule string
}

// Scheduler keeps the cron table in step with the active sources and
// enqueues a feed job each time a source fires. Sync is idempotent:
// calling it again after source edits adds, reschedules and removes
// entries as needed.
type Scheduler struct {
	cron    *cron.Cron
	sources pipeline.SourceStore
	queue   pipeline.Queue
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a Scheduler. Call Start to begin firing.
func New(sources pipeline.SourceStore, queue pipeline.Queue, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:    cron.New(),
		sources: sources,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Start begins executing scheduled entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and waits for in-flight fires to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop wait: %w", ctx.Err())
	}
}

// Sync reconciles the cron table against the active sources. A source
// with an invalid cron expression is logged and skipped; it never takes
// the rest of the table down.
func (s *Scheduler) Sync(ctx context.Context) error {
	sources, err := s.sources.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(sources))
	for _, source := range sources {
		if source.Schedule == "" {
			continue
		}
		seen[source.ID] = struct{}{}

		existing, ok := s.entries[source.ID]
		if ok && existing.schedule == source.Schedule {
			continue
		}
		if ok {
			s.cron.Remove(existing.cronID)
			delete(s.entries, source.ID)
		}

		sourceID := source.ID
		cronID, err := s.cron.AddFunc(source.Schedule, func() {
			s.fire(sourceID)
		})
		if err != nil {
			s.logger.Error("invalid cron expression, source skipped",
				zap.String("source_id", source.ID),
				zap.String("schedule", source.Schedule),
				zap.Error(err),
			)
			continue
		}
		s.entries[source.ID] = entry{cronID: cronID, schedule: source.Schedule}
		s.logger.Info("source scheduled",
			zap.String("source_id", source.ID),
			zap.String("schedule", source.Schedule),
		)
	}

	// Drop entries whose source was deactivated or deleted.
	for id, e := range s.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
		s.logger.Info("source unscheduled", zap.String("source_id", id))
	}
	return nil
}

// Trigger enqueues a feed job for the source right now, outside its
// schedule. Used by the admin API.
func (s *Scheduler) Trigger(ctx context.Context, sourceID string) error {
	if _, err := s.sources.GetSource(ctx, sourceID); err != nil {
		return fmt.Errorf("load source %s: %w", sourceID, err)
	}
	return s.enqueueFeedJob(ctx, sourceID, true)
}

// Scheduled reports whether the source currently has a cron entry.
func (s *Scheduler) Scheduled(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sourceID]
	return ok
}

// fire runs on the cron goroutine; enqueue failures are logged, the
// next tick tries again.
func (s *Scheduler) fire(sourceID string) {
	if err := s.enqueueFeedJob(context.Background(), sourceID, false); err != nil {
		s.logger.Error("scheduled feed enqueue failed",
			zap.String("source_id", sourceID), zap.Error(err))
	}
}

func (s *Scheduler) enqueueFeedJob(ctx context.Context, sourceID string, manual bool) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	job := pipeline.Job{
		ID:         id,
		Kind:       pipeline.JobKindFeed,
		SourceID:   sourceID,
		Manual:     manual,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue feed job for %s: %w", sourceID, err)
	}
	return nil
}
