// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// Config controls queue capacity and the retry policy applied on Nack.
type Config struct {
	Capacity       int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DeadJob is a job that exhausted its retry budget.
type DeadJob struct {
	Job    pipeline.Job
	Reason string
	At     time.Time
}

// Queue is a bounded in-memory queue with at-least-once delivery. A
// nacked job re-enters the queue after an exponential backoff until its
// attempt budget runs out, then it moves to the dead-letter list.
//
// The job channel is never closed; shutdown is signaled through done so
// that producers racing Close (the scheduler, delayed retries) get
// pipeline.ErrQueueClosed instead of a send on a closed channel.
type Queue struct {
	ch     chan pipeline.Job
	done   chan struct{}
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	dead   []DeadJob
}

// NewQueue constructs a queue with the provided configuration.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ch:     make(chan pipeline.Job, cfg.Capacity),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
// After Close it returns pipeline.ErrQueueClosed.
func (q *Queue) Enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return pipeline.ErrQueueClosed
	case q.ch <- job:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation. Jobs
// already buffered at Close time are still delivered so workers can
// drain before stopping.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return pipeline.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		select {
		case job := <-q.ch:
			metrics.SetQueueDepth(len(q.ch))
			return job, nil
		default:
			return pipeline.Job{}, pipeline.ErrQueueClosed
		}
	case job := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return job, nil
	}
}

// Ack finalizes a delivery. The in-memory queue has nothing to release.
func (q *Queue) Ack(_ context.Context, _ pipeline.Job) error {
	return nil
}

// Nack returns a failed job to the queue after a backoff delay, or
// dead-letters it once the attempt budget is exhausted.
func (q *Queue) Nack(_ context.Context, job pipeline.Job, reason error) error {
	job.Attempt++
	if job.Attempt >= q.cfg.MaxAttempts {
		q.mu.Lock()
		q.dead = append(q.dead, DeadJob{
			Job:    job,
			Reason: errText(reason),
			At:     time.Now().UTC(),
		})
		q.mu.Unlock()
		metrics.ObserveDeadLetter()
		q.logger.Warn("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempts", job.Attempt),
			zap.String("reason", errText(reason)),
		)
		return nil
	}

	delay := q.backoff(job.Attempt)
	q.logger.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)
	time.AfterFunc(delay, func() {
		select {
		case <-q.done:
			return
		default:
		}
		select {
		case q.ch <- job:
			metrics.SetQueueDepth(len(q.ch))
		default:
			q.logger.Warn("retry dropped, queue full", zap.String("job_id", job.ID))
		}
	})
	return nil
}

// Dead returns a copy of the dead-letter list.
func (q *Queue) Dead() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close signals shutdown. Subsequent Enqueue calls and pending retry
// timers return or drop without touching the job channel.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		d = q.cfg.BackoffMax
	}
	return d
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
