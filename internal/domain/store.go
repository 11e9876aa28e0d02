package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PolicyStore reads and writes named settings on the remote filtering
// profile. Implementations map failures to ErrRemoteUnavailable (transient)
// or ErrRemoteRejected (permanent) so callers can decide whether to retry.
type PolicyStore interface {
	Read(ctx context.Context, key Key) (Value, error)
	Write(ctx context.Context, key Key, value Value) error
}

// SessionRepository persists override sessions. CreatePending must store the
// pre-state snapshot in the same write that creates the PENDING_APPLY row so
// a crash after any remote apply can never lose the rollback target.
//
// UpdateStatus is a compare-and-swap: the write applies only if the session
// is still in from. A lost race returns ErrInvalidState so the caller can
// re-read instead of clobbering a transition that happened in between.
type SessionRepository interface {
	CreatePending(ctx context.Context, session *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, report *Report) error
	ListNonTerminal(ctx context.Context) ([]*Session, error)
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)
}

// ScheduledJob is one durable one-shot callback record, keyed by session id.
type ScheduledJob struct {
	ID        uuid.UUID
	FireAt    time.Time
	Payload   []byte
	CreatedAt time.Time
}

// JobRepository is the durable backing of the rollback scheduler. Jobs
// survive process restart; delivery is at-least-once (a job is marked done
// only after its callback returns).
type JobRepository interface {
	ScheduleOnce(ctx context.Context, id uuid.UUID, fireAt time.Time, payload []byte) error
	Cancel(ctx context.Context, id uuid.UUID) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]ScheduledJob, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}
