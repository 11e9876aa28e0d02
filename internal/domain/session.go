package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an override session.
type Status string

const (
	StatusPendingApply   Status = "PENDING_APPLY"
	StatusActive         Status = "ACTIVE"
	StatusRollingBack    Status = "ROLLING_BACK"
	StatusCompleted      Status = "COMPLETED"
	StatusFailedApply    Status = "FAILED_APPLY"
	StatusFailedRollback Status = "FAILED_ROLLBACK"
)

// Terminal reports whether no further automatic transitions happen from s.
// FAILED_ROLLBACK is terminal for the machine but still holds its key locks
// until an operator force-clears it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedApply, StatusFailedRollback:
		return true
	}
	return false
}

// LocksKeys reports whether a session in this status holds its keys against
// new sessions.
func (s Status) LocksKeys() bool {
	switch s {
	case StatusPendingApply, StatusActive, StatusRollingBack, StatusFailedRollback:
		return true
	}
	return false
}

// KeyFailure records why one key could not be confirmed.
type KeyFailure struct {
	Key    Key    `json:"key"`
	Reason string `json:"reason"`
}

// Report is the per-key outcome of an apply or rollback pass, attached to a
// session when it enters a FAILED_* state.
type Report struct {
	Phase     string       `json:"phase"` // "apply" or "rollback"
	Confirmed []Key        `json:"confirmed,omitempty"`
	Failed    []KeyFailure `json:"failed,omitempty"`
}

// Session is one focus session: a time-bounded policy override with a
// captured rollback target. Mutated only by the session manager; persisted
// rows are never deleted.
type Session struct {
	ID               uuid.UUID
	Status           Status
	RequestedChanges ChangeSet
	PreState         Snapshot
	Reason           string
	Report           *Report
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// View is the serializable form of a session returned by the API.
type View struct {
	ID               uuid.UUID `json:"id"`
	Status           Status    `json:"status"`
	RequestedChanges ChangeSet `json:"requested_changes"`
	Reason           string    `json:"reason,omitempty"`
	Report           *Report   `json:"report,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// ViewAt renders the session for API responses relative to now.
func (s *Session) ViewAt(now time.Time) View {
	remaining := int64(s.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 || s.Status.Terminal() {
		remaining = 0
	}
	return View{
		ID:               s.ID,
		Status:           s.Status,
		RequestedChanges: s.RequestedChanges,
		Reason:           s.Reason,
		Report:           s.Report,
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		RemainingSeconds: remaining,
	}
}

// ConsolidatedState answers "what is overridden right now and why": the
// current remote values for every key held by a live or stuck session, plus
// the sessions themselves.
type ConsolidatedState struct {
	Settings map[Key]Value `json:"settings"`
	Sessions []View        `json:"sessions"`
}
