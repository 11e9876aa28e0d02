package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacobragsdale/automation/internal/domain"
)

type jobRecord struct {
	job  domain.ScheduledJob
	done bool
}

// JobRepository keeps scheduled jobs in a map. Safe for concurrent use.
type JobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobRecord
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*jobRecord)}
}

func (r *JobRepository) ScheduleOnce(_ context.Context, id uuid.UUID, fireAt time.Time, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &jobRecord{job: domain.ScheduledJob{
		ID:      id,
		FireAt:  fireAt,
		Payload: append([]byte(nil), payload...),
	}}
	return nil
}

func (r *JobRepository) Cancel(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *JobRepository) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.ScheduledJob
	for _, rec := range r.jobs {
		if !rec.done && !rec.job.FireAt.After(now) {
			due = append(due, rec.job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *JobRepository) MarkDone(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	rec.done = true
	return nil
}

func (r *JobRepository) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	return ok && !rec.done, nil
}
