package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/jacobragsdale/automation/internal/adapter/metrics"
	"github.com/jacobragsdale/automation/internal/domain"
	"github.com/jacobragsdale/automation/internal/platform/errors"
	"github.com/jacobragsdale/automation/internal/policy"
)

const (
	phaseApply    = "apply"
	phaseRollback = "rollback"
)

// Scheduler is the subset of the rollback scheduler the manager drives.
type Scheduler interface {
	Schedule(ctx context.Context, id uuid.UUID, fireAt time.Time, payload []byte) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// Service orchestrates focus sessions: it guards policy keys against
// overlapping overrides, captures pre-state before any remote write, and
// guarantees a scheduled rollback for every session it activates.
type Service struct {
	sessions domain.SessionRepository
	jobs     domain.JobRepository
	sched    Scheduler
	store    domain.PolicyStore
	applier  *policy.Applier
	capturer *policy.Capturer
	clock    clockwork.Clock

	// locks maps every policy key held by a non-terminal (or FAILED_ROLLBACK)
	// session to its owner. Guards the one-session-per-key invariant.
	mu    sync.Mutex
	locks map[domain.Key]uuid.UUID

	// transitionLocks serializes all state transitions per session id, so a
	// cancel, an expiry firing and a force operation can never interleave:
	// whichever acquires the lock first runs, the loser re-reads and sees a
	// state it must no-op on.
	transitionLocks map[uuid.UUID]*transitionLock

	expiryGroup singleflight.Group
}

type transitionLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(
	sessions domain.SessionRepository,
	jobs domain.JobRepository,
	sched Scheduler,
	store domain.PolicyStore,
	applier *policy.Applier,
	capturer *policy.Capturer,
	clock clockwork.Clock,
) *Service {
	return &Service{
		sessions:        sessions,
		jobs:            jobs,
		sched:           sched,
		store:           store,
		applier:         applier,
		capturer:        capturer,
		clock:           clock,
		locks:           make(map[domain.Key]uuid.UUID),
		transitionLocks: make(map[uuid.UUID]*transitionLock),
	}
}

// StartSession creates and activates a focus session. The pre-state snapshot
// is captured and persisted with the PENDING_APPLY row before the first
// remote write, so a crash at any later point can never lose the rollback
// target. The returned session carries the final status; on apply failure it
// is returned together with the error so callers can surface the session id.
func (s *Service) StartSession(ctx context.Context, changes domain.ChangeSet, duration time.Duration, reason string) (*domain.Session, error) {
	if duration <= 0 {
		metrics.SessionsStartedTotal.WithLabelValues("rejected").Inc()
		return nil, errors.ValidationError("duration must be positive")
	}
	if err := changes.Validate(); err != nil {
		metrics.SessionsStartedTotal.WithLabelValues("rejected").Inc()
		return nil, errors.ValidationError(err.Error())
	}

	id := uuid.New()
	if err := s.reserveKeys(changes.Keys(), id); err != nil {
		metrics.SessionsStartedTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}

	// Remote reads happen outside the lock table mutex; the reservation above
	// already guarantees no concurrent session touches these keys.
	snapshot, err := s.capturer.Capture(ctx, changes.Keys())
	if err != nil {
		s.releaseKeys(id)
		metrics.SessionsStartedTotal.WithLabelValues("failed").Inc()
		return nil, errors.ExternalError("failed to capture current policy state", err)
	}

	now := s.clock.Now()
	session := &domain.Session{
		ID:               id,
		Status:           domain.StatusPendingApply,
		RequestedChanges: changes,
		PreState:         snapshot,
		Reason:           reason,
		CreatedAt:        now,
		ExpiresAt:        now.Add(duration),
		UpdatedAt:        now,
	}
	if err := s.sessions.CreatePending(ctx, session); err != nil {
		s.releaseKeys(id)
		metrics.SessionsStartedTotal.WithLabelValues("failed").Inc()
		return nil, errors.InternalError("failed to persist session", err)
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(domain.StatusPendingApply)).Inc()

	return s.runApply(ctx, session)
}

// lockSession serializes state transitions for one session id. The returned
// func releases the lock.
func (s *Service) lockSession(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.transitionLocks[id]
	if !ok {
		l = &transitionLock{}
		s.transitionLocks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.transitionLocks, id)
		}
		s.mu.Unlock()
	}
}

// runApply drives a PENDING_APPLY session to ACTIVE, or to a failure state.
// Also used by startup reconciliation to resume interrupted applies.
func (s *Service) runApply(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	unlock := s.lockSession(session.ID)
	defer unlock()

	report := s.applier.Apply(ctx, session.RequestedChanges)
	observeKeys(phaseApply, report)

	if !report.AllConfirmed() {
		metrics.SessionsStartedTotal.WithLabelValues("failed").Inc()
		return session, s.failApply(ctx, session, report)
	}

	if err := s.sched.Schedule(ctx, session.ID, session.ExpiresAt, nil); err != nil {
		// Without a durable expiry job the reversion guarantee is gone.
		// Undo the apply instead of running an unbounded override.
		slog.Error("Failed to schedule expiry, undoing apply",
			"session_id", session.ID.String(), "error", err)
		metrics.SessionsStartedTotal.WithLabelValues("failed").Inc()
		return session, s.failApply(ctx, session, report)
	}

	if err := s.transition(ctx, session, domain.StatusActive, nil); err != nil {
		return session, err
	}
	metrics.SessionsStartedTotal.WithLabelValues("started").Inc()
	slog.Info("Focus session active",
		"session_id", session.ID.String(),
		"keys", len(session.RequestedChanges),
		"expires_at", session.ExpiresAt)
	return session, nil
}

// failApply restores pre-state for every confirmed key, then parks the
// session in FAILED_APPLY (keys released) or FAILED_ROLLBACK (keys kept) when
// even the restore failed.
func (s *Service) failApply(ctx context.Context, session *domain.Session, applyReport *policy.ApplyReport) error {
	revert := make(domain.ChangeSet, len(applyReport.Confirmed))
	for key := range applyReport.Confirmed {
		if prev, ok := session.PreState.Get(key); ok {
			revert[key] = prev
		}
	}

	if len(revert) > 0 {
		revertReport := s.applier.Apply(ctx, revert)
		observeKeys(phaseRollback, revertReport)
		if !revertReport.AllConfirmed() {
			metrics.RollbackFailuresTotal.Inc()
			if err := s.transition(ctx, session, domain.StatusFailedRollback, revertReport.ToDomain(phaseRollback)); err != nil {
				return err
			}
			return errors.ExternalError("apply failed and pre-state could not be restored", reportError(revertReport)).
				WithField("session_id", session.ID.String())
		}
	}

	if err := s.transition(ctx, session, domain.StatusFailedApply, applyReport.ToDomain(phaseApply)); err != nil {
		return err
	}
	s.releaseKeys(session.ID)
	return errors.ExternalError("failed to apply requested changes", reportError(applyReport)).
		WithField("session_id", session.ID.String())
}

// CancelSession rolls an ACTIVE session back ahead of its expiry. The session
// is re-read under the transition lock so a concurrent expiry firing cannot
// interleave with the cancel.
func (s *Service) CancelSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusActive {
		return nil, invalidState("only active sessions can be cancelled", session)
	}

	if err := s.transition(ctx, session, domain.StatusRollingBack, nil); err != nil {
		return nil, err
	}
	if err := s.sched.Cancel(ctx, id); err != nil {
		// The job may fire anyway; OnExpiryFired is a no-op for non-ACTIVE
		// sessions, so this is log-only.
		slog.Warn("Failed to cancel expiry job", "session_id", id.String(), "error", err)
	}

	return session, s.finishRollback(ctx, session)
}

// OnExpiryFired is the scheduler callback. Delivery is at-least-once, so it
// is a no-op for any session that is not ACTIVE. A non-nil return leaves the
// job due for the next poll; once a terminal state is persisted the job is
// consumed regardless of rollback outcome.
func (s *Service) OnExpiryFired(ctx context.Context, id uuid.UUID, _ []byte) error {
	_, err, _ := s.expiryGroup.Do(id.String(), func() (any, error) {
		unlock := s.lockSession(id)
		defer unlock()

		session, err := s.sessions.Get(ctx, id)
		if err != nil {
			if stderrors.Is(err, domain.ErrSessionNotFound) {
				slog.Warn("Expiry fired for unknown session, dropping job", "session_id", id.String())
				return nil, nil
			}
			return nil, err
		}
		if session.Status != domain.StatusActive {
			return nil, nil
		}

		slog.Info("Focus session expired, rolling back", "session_id", id.String())
		if err := s.transition(ctx, session, domain.StatusRollingBack, nil); err != nil {
			return nil, err
		}

		// Rollback failure parks the session in FAILED_ROLLBACK; re-firing the
		// job would be a no-op, so the error stays here.
		if err := s.finishRollback(ctx, session); err != nil {
			slog.Error("Rollback failed at expiry", "session_id", id.String(), "error", err)
		}
		return nil, nil
	})
	return err
}

// finishRollback restores the session's pre-state. On success the session
// completes and releases its keys; on failure it parks in FAILED_ROLLBACK and
// keeps them locked until an operator intervenes.
func (s *Service) finishRollback(ctx context.Context, session *domain.Session) error {
	report := s.applier.Apply(ctx, session.PreState.Changes())
	observeKeys(phaseRollback, report)

	if !report.AllConfirmed() {
		metrics.RollbackFailuresTotal.Inc()
		if err := s.transition(ctx, session, domain.StatusFailedRollback, report.ToDomain(phaseRollback)); err != nil {
			return err
		}
		return errors.ExternalError("rollback could not restore all keys", reportError(report)).
			WithField("session_id", session.ID.String())
	}

	if err := s.transition(ctx, session, domain.StatusCompleted, report.ToDomain(phaseRollback)); err != nil {
		return err
	}
	s.releaseKeys(session.ID)
	slog.Info("Focus session completed", "session_id", session.ID.String())
	return nil
}

// ForceClear acknowledges a FAILED_ROLLBACK session and releases its keys
// without touching the remote. Operator-only escape hatch.
func (s *Service) ForceClear(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusFailedRollback {
		return nil, invalidState("only failed rollbacks can be force-cleared", session)
	}

	if err := s.transition(ctx, session, domain.StatusCompleted, nil); err != nil {
		return nil, err
	}
	s.releaseKeys(id)
	slog.Warn("Focus session force-cleared, remote state may still be overridden",
		"session_id", id.String())
	return session, nil
}

// ForceRetry runs one more rollback pass for a FAILED_ROLLBACK session.
func (s *Service) ForceRetry(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	session, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.StatusFailedRollback {
		return nil, invalidState("only failed rollbacks can be retried", session)
	}

	if err := s.transition(ctx, session, domain.StatusRollingBack, nil); err != nil {
		return nil, err
	}
	return session, s.finishRollback(ctx, session)
}

// GetSession returns the API view of one session.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (domain.View, error) {
	session, err := s.getSession(ctx, id)
	if err != nil {
		return domain.View{}, err
	}
	return session.ViewAt(s.clock.Now()), nil
}

// SetPolicyValue writes one setting directly, outside any session.
func (s *Service) SetPolicyValue(ctx context.Context, key domain.Key, value domain.Value) error {
	return s.ApplyDirect(ctx, domain.ChangeSet{key: value})
}

// ApplyDirect writes settings immediately, outside any session. Keys held by
// a session are refused so a direct write cannot fight a pending rollback.
// Direct writes are not tracked and never roll back.
func (s *Service) ApplyDirect(ctx context.Context, changes domain.ChangeSet) error {
	if err := changes.Validate(); err != nil {
		return errors.ValidationError(err.Error())
	}

	s.mu.Lock()
	for _, key := range changes.Keys() {
		if owner, held := s.locks[key]; held {
			s.mu.Unlock()
			e := errors.ConflictError(fmt.Sprintf("policy key %q is held by session %s", key, owner))
			e.Cause = domain.ErrKeyConflict
			return e.WithField("key", string(key))
		}
	}
	s.mu.Unlock()

	report := s.applier.Apply(ctx, changes)
	if !report.AllConfirmed() {
		return errors.ExternalError("failed to write policy values", reportError(report))
	}
	return nil
}

// GetConsolidatedState answers "what is overridden right now": the live
// remote value of every locked key plus the sessions holding them.
func (s *Service) GetConsolidatedState(ctx context.Context) (*domain.ConsolidatedState, error) {
	live, err := s.sessions.ListNonTerminal(ctx)
	if err != nil {
		return nil, errors.InternalError("failed to list sessions", err)
	}
	stuck, err := s.sessions.ListByStatus(ctx, domain.StatusFailedRollback)
	if err != nil {
		return nil, errors.InternalError("failed to list failed rollbacks", err)
	}

	all := append(live, stuck...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	now := s.clock.Now()
	state := &domain.ConsolidatedState{Settings: make(map[domain.Key]domain.Value)}
	for _, session := range all {
		state.Sessions = append(state.Sessions, session.ViewAt(now))
		for _, key := range session.RequestedChanges.Keys() {
			if _, done := state.Settings[key]; done {
				continue
			}
			value, err := s.store.Read(ctx, key)
			if err != nil {
				slog.Warn("Failed to read locked key for state view", "key", key, "error", err)
				continue
			}
			state.Settings[key] = value
		}
	}
	return state, nil
}

// ReconcileOnStartup rebuilds the key-lock table from persisted sessions and
// resumes every interrupted transition: unfinished applies are completed or
// rolled back, expired ACTIVE sessions are rolled back immediately, and live
// ACTIVE sessions get their expiry job re-scheduled if it was lost.
func (s *Service) ReconcileOnStartup(ctx context.Context) error {
	start := s.clock.Now()
	defer func() {
		metrics.ReconcileDurationSeconds.Observe(s.clock.Since(start).Seconds())
	}()

	live, err := s.sessions.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list non-terminal sessions: %w", err)
	}
	stuck, err := s.sessions.ListByStatus(ctx, domain.StatusFailedRollback)
	if err != nil {
		return fmt.Errorf("reconcile: list failed rollbacks: %w", err)
	}

	s.mu.Lock()
	for _, session := range append(append([]*domain.Session{}, live...), stuck...) {
		for _, key := range session.RequestedChanges.Keys() {
			s.locks[key] = session.ID
		}
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	now := s.clock.Now()
	for _, session := range live {
		metrics.ReconcileSessionsResumedTotal.WithLabelValues(string(session.Status)).Inc()
		slog.Info("Resuming session after restart",
			"session_id", session.ID.String(), "status", string(session.Status))

		switch session.Status {
		case domain.StatusPendingApply:
			// Crashed mid-apply. The snapshot is persisted, so either finish
			// the apply or, if the window already passed, restore pre-state.
			if now.After(session.ExpiresAt) {
				s.resumeRollback(ctx, session)
				continue
			}
			if _, err := s.runApply(ctx, session); err != nil {
				slog.Error("Failed to resume apply", "session_id", session.ID.String(), "error", err)
			}

		case domain.StatusActive:
			if now.After(session.ExpiresAt) {
				s.resumeRollback(ctx, session)
				continue
			}
			exists, err := s.jobs.Exists(ctx, session.ID)
			if err != nil {
				slog.Error("Failed to check expiry job", "session_id", session.ID.String(), "error", err)
				continue
			}
			if !exists {
				if err := s.sched.Schedule(ctx, session.ID, session.ExpiresAt, nil); err != nil {
					slog.Error("Failed to re-schedule expiry", "session_id", session.ID.String(), "error", err)
				}
			}

		case domain.StatusRollingBack:
			unlock := s.lockSession(session.ID)
			if err := s.finishRollback(ctx, session); err != nil {
				slog.Error("Failed to resume rollback", "session_id", session.ID.String(), "error", err)
			}
			unlock()
		}
	}

	slog.Info("Startup reconciliation finished",
		"resumed", len(live), "failed_rollbacks", len(stuck),
		"duration", s.clock.Since(start))
	return nil
}

func (s *Service) resumeRollback(ctx context.Context, session *domain.Session) {
	unlock := s.lockSession(session.ID)
	defer unlock()

	if err := s.transition(ctx, session, domain.StatusRollingBack, nil); err != nil {
		slog.Error("Failed to mark session rolling back", "session_id", session.ID.String(), "error", err)
		return
	}
	if err := s.sched.Cancel(ctx, session.ID); err != nil {
		slog.Warn("Failed to cancel stale expiry job", "session_id", session.ID.String(), "error", err)
	}
	if err := s.finishRollback(ctx, session); err != nil {
		slog.Error("Failed to roll back expired session", "session_id", session.ID.String(), "error", err)
	}
}

// --- internals ---

func (s *Service) getSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if stderrors.Is(err, domain.ErrSessionNotFound) {
		e := errors.NotFoundError("session not found")
		e.Cause = domain.ErrSessionNotFound
		return nil, e.WithField("session_id", id.String())
	}
	if err != nil {
		return nil, errors.InternalError("failed to load session", err)
	}
	return session, nil
}

func (s *Service) transition(ctx context.Context, session *domain.Session, to domain.Status, report *domain.Report) error {
	if err := s.sessions.UpdateStatus(ctx, session.ID, session.Status, to, report); err != nil {
		if stderrors.Is(err, domain.ErrInvalidState) {
			e := errors.InvalidStateError("session state changed concurrently")
			e.Cause = err
			return e.WithField("session_id", session.ID.String()).
				WithField("to", string(to))
		}
		return errors.InternalError("failed to persist session transition", err).
			WithField("session_id", session.ID.String()).
			WithField("to", string(to))
	}
	session.Status = to
	if report != nil {
		session.Report = report
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

func (s *Service) reserveKeys(keys []domain.Key, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if owner, held := s.locks[key]; held {
			e := errors.ConflictError(fmt.Sprintf("policy key %q is held by session %s", key, owner))
			e.Cause = domain.ErrKeyConflict
			return e.WithField("key", string(key))
		}
	}
	for _, key := range keys {
		s.locks[key] = id
	}
	s.updateGaugeLocked()
	return nil
}

func (s *Service) releaseKeys(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, owner := range s.locks {
		if owner == id {
			delete(s.locks, key)
		}
	}
	s.updateGaugeLocked()
}

func (s *Service) updateGaugeLocked() {
	owners := make(map[uuid.UUID]struct{}, len(s.locks))
	for _, owner := range s.locks {
		owners[owner] = struct{}{}
	}
	metrics.ActiveSessions.Set(float64(len(owners)))
}

func invalidState(message string, session *domain.Session) error {
	e := errors.InvalidStateError(message)
	e.Cause = domain.ErrInvalidState
	return e.WithField("session_id", session.ID.String()).
		WithField("status", string(session.Status))
}

func reportError(report *policy.ApplyReport) error {
	keys := make([]string, 0, len(report.Failed))
	for key := range report.Failed {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	return fmt.Errorf("%d of %d keys failed: %v",
		len(report.Failed), len(report.Failed)+len(report.Confirmed), keys)
}

func observeKeys(phase string, report *policy.ApplyReport) {
	metrics.PolicyApplyKeysTotal.WithLabelValues(phase, "confirmed").Add(float64(len(report.Confirmed)))
	metrics.PolicyApplyKeysTotal.WithLabelValues(phase, "failed").Add(float64(len(report.Failed)))
}
