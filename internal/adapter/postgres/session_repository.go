package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacobragsdale/automation/internal/domain"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// CreatePending inserts the session row with its pre-state snapshot in a
// single statement, so the rollback target exists before any remote write.
func (r *SessionRepo) CreatePending(ctx context.Context, session *domain.Session) error {
	changes, err := json.Marshal(session.RequestedChanges)
	if err != nil {
		return fmt.Errorf("failed to marshal requested changes: %w", err)
	}
	preState, err := json.Marshal(session.PreState)
	if err != nil {
		return fmt.Errorf("failed to marshal pre-state snapshot: %w", err)
	}

	const query = `
		INSERT INTO sessions (id, status, requested_changes, pre_state, reason, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $6)`
	_, err = r.pool.Exec(ctx, query,
		session.ID, string(domain.StatusPendingApply), changes, preState,
		session.Reason, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	const query = `
		SELECT id, status, requested_changes, pre_state, report, reason, created_at, expires_at, updated_at
		FROM sessions
		WHERE id = $1`
	session, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateStatus transitions the session only if it is still in from. Zero rows
// means either the row is gone or another transition won the race; the
// re-read distinguishes the two.
func (r *SessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.Status, report *domain.Report) error {
	var reportJSON []byte
	if report != nil {
		var err error
		reportJSON, err = json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal session report: %w", err)
		}
	}

	const query = `
		UPDATE sessions
		SET status = $3, report = COALESCE($4, report), updated_at = now()
		WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to), reportJSON)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to re-read session status: %w", err)
		}
		return fmt.Errorf("session %s is %s, not %s: %w", id, current, from, domain.ErrInvalidState)
	}
	return nil
}

func (r *SessionRepo) ListNonTerminal(ctx context.Context) ([]*domain.Session, error) {
	const query = `
		SELECT id, status, requested_changes, pre_state, report, reason, created_at, expires_at, updated_at
		FROM sessions
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at`
	return r.list(ctx, query,
		string(domain.StatusPendingApply), string(domain.StatusActive), string(domain.StatusRollingBack))
}

func (r *SessionRepo) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Session, error) {
	const query = `
		SELECT id, status, requested_changes, pre_state, report, reason, created_at, expires_at, updated_at
		FROM sessions
		WHERE status = $1
		ORDER BY created_at`
	return r.list(ctx, query, string(status))
}

func (r *SessionRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session    domain.Session
		status     string
		changes    []byte
		preState   []byte
		reportJSON []byte
		createdAt  time.Time
		expiresAt  time.Time
		updatedAt  time.Time
	)
	err := row.Scan(&session.ID, &status, &changes, &preState, &reportJSON,
		&session.Reason, &createdAt, &expiresAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	session.Status = domain.Status(status)
	session.CreatedAt = createdAt
	session.ExpiresAt = expiresAt
	session.UpdatedAt = updatedAt

	if err := json.Unmarshal(changes, &session.RequestedChanges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requested changes: %w", err)
	}
	if err := json.Unmarshal(preState, &session.PreState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pre-state snapshot: %w", err)
	}
	if len(reportJSON) > 0 {
		session.Report = &domain.Report{}
		if err := json.Unmarshal(reportJSON, session.Report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session report: %w", err)
		}
	}
	return &session, nil
}
