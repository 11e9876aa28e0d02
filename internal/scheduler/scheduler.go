// Package scheduler fires durable one-shot callbacks. Jobs live in a
// repository that survives process restart; delivery is at-least-once, so
// callbacks must be idempotent. Missed wakeups (the process was down past a
// job's fire time) are handled by startup reconciliation, not here.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jacobragsdale/automation/internal/adapter/metrics"
	"github.com/jacobragsdale/automation/internal/domain"
)

const dueBatchLimit = 50

// Callback handles one fired job. A non-nil error leaves the job due, to be
// retried on the next poll.
type Callback func(ctx context.Context, id uuid.UUID, payload []byte) error

// Scheduler polls the job repository and invokes the registered callback for
// due jobs. A job is marked done only after its callback returns nil.
type Scheduler struct {
	jobs     domain.JobRepository
	clock    clockwork.Clock
	interval time.Duration

	mu       sync.Mutex
	callback Callback

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(jobs domain.JobRepository, clock clockwork.Clock, interval time.Duration) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		clock:    clock,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Register wires the expiry callback. Must be called before Start.
func (s *Scheduler) Register(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Schedule persists a one-shot job. Scheduling the same id again replaces
// the previous record.
func (s *Scheduler) Schedule(ctx context.Context, id uuid.UUID, fireAt time.Time, payload []byte) error {
	return s.jobs.ScheduleOnce(ctx, id, fireAt, payload)
}

// Cancel removes a pending job. Cancelling an unknown id is a no-op: the job
// may already have fired.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.jobs.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return err
	}
	return nil
}

// Start runs the poll loop until Stop is called.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				s.fireDue(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
	slog.Info("Rollback scheduler started", "poll_interval", s.interval)
}

// Stop halts the poll loop and waits for an in-flight poll to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) fireDue(ctx context.Context) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb == nil {
		return
	}

	due, err := s.jobs.ListDue(ctx, s.clock.Now(), dueBatchLimit)
	if err != nil {
		slog.Error("Failed to list due jobs", "error", err)
		return
	}

	for _, job := range due {
		if err := cb(ctx, job.ID, job.Payload); err != nil {
			// left due on purpose, the next poll retries it
			slog.Error("Expiry callback failed", "job_id", job.ID.String(), "error", err)
			continue
		}
		metrics.SchedulerJobsFiredTotal.Inc()
		if err := s.jobs.MarkDone(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			slog.Error("Failed to mark job done", "job_id", job.ID.String(), "error", err)
		}
	}
}
