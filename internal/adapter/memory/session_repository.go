package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacobragsdale/automation/internal/domain"
)

// SessionRepository keeps sessions in a map. Safe for concurrent use.
type SessionRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
	now      func() time.Time
}

func NewSessionRepository(now func() time.Time) *SessionRepository {
	if now == nil {
		now = time.Now
	}
	return &SessionRepository{
		sessions: make(map[uuid.UUID]*domain.Session),
		now:      now,
	}
}

func (r *SessionRepository) CreatePending(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *session
	r.sessions[session.ID] = &copied
	return nil
}

func (r *SessionRepository) Get(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *SessionRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to domain.Status, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.Status != from {
		return fmt.Errorf("session %s is %s, not %s: %w", id, s.Status, from, domain.ErrInvalidState)
	}
	s.Status = to
	if report != nil {
		s.Report = report
	}
	s.UpdatedAt = r.now()
	return nil
}

func (r *SessionRepository) ListNonTerminal(_ context.Context) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if !s.Status.Terminal() {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *SessionRepository) ListByStatus(_ context.Context, status domain.Status) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.Status == status {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}
