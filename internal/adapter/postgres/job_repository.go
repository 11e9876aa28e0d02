package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacobragsdale/automation/internal/domain"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// ScheduleOnce upserts the job row. Re-scheduling an id replaces its fire
// time and clears any previous completion.
func (r *JobRepo) ScheduleOnce(ctx context.Context, id uuid.UUID, fireAt time.Time, payload []byte) error {
	const query = `
		INSERT INTO scheduled_jobs (id, fire_at, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET fire_at = EXCLUDED.fire_at, payload = EXCLUDED.payload, done_at = NULL`
	if _, err := r.pool.Exec(ctx, query, id, fireAt, payload); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

func (r *JobRepo) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1 AND done_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledJob, error) {
	const query = `
		SELECT id, fire_at, payload, created_at
		FROM scheduled_jobs
		WHERE done_at IS NULL AND fire_at <= $1
		ORDER BY fire_at
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ScheduledJob
	for rows.Next() {
		var job domain.ScheduledJob
		if err := rows.Scan(&job.ID, &job.FireAt, &job.Payload, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job rows: %w", err)
	}
	return jobs, nil
}

func (r *JobRepo) MarkDone(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE scheduled_jobs SET done_at = now() WHERE id = $1 AND done_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *JobRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_jobs WHERE id = $1 AND done_at IS NULL)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return exists, nil
}
