package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacobragsdale/automation/internal/domain"
	"github.com/jacobragsdale/automation/internal/platform/retry"
)

const (
	maxAttempts    = 3
	initialBackoff = 250 * time.Millisecond
)

// defaultPolicy bounds every remote write: transient store failures are
// retried with doubling backoff, permanent rejections stop immediately.
var defaultPolicy = retry.Policy{
	MaxAttempts:    maxAttempts,
	InitialBackoff: initialBackoff,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Debug("Retrying policy store call", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

func classifyRemote(err error) retry.Action {
	if errors.Is(err, domain.ErrRemoteRejected) {
		return retry.Stop
	}
	return retry.Retry
}

// ApplyReport is the per-key outcome of one apply pass.
type ApplyReport struct {
	Confirmed map[domain.Key]domain.Value
	Failed    map[domain.Key]error
}

func (r *ApplyReport) AllConfirmed() bool { return len(r.Failed) == 0 }

// ToDomain converts the report to the serializable form stored on a session.
func (r *ApplyReport) ToDomain(phase string) *domain.Report {
	rep := &domain.Report{Phase: phase}
	for _, k := range domain.ChangeSet(r.Confirmed).Keys() {
		rep.Confirmed = append(rep.Confirmed, k)
	}
	failedKeys := make(domain.ChangeSet, len(r.Failed))
	for k := range r.Failed {
		failedKeys[k] = domain.Value{}
	}
	for _, k := range failedKeys.Keys() {
		rep.Failed = append(rep.Failed, domain.KeyFailure{Key: k, Reason: r.Failed[k].Error()})
	}
	return rep
}

// Applier pushes desired values onto the policy store and verifies they stuck.
type Applier struct {
	store  domain.PolicyStore
	policy retry.Policy
}

func NewApplier(store domain.PolicyStore) *Applier {
	return &Applier{store: store, policy: defaultPolicy}
}

// NewApplierWithPolicy overrides the retry budget. Used by callers that need
// tighter backoff, like tests.
func NewApplierWithPolicy(store domain.PolicyStore, policy retry.Policy) *Applier {
	return &Applier{store: store, policy: policy}
}

// Apply writes every key in changes and reads each back to confirm. Keys are
// independent: one key exhausting its retry budget does not stop the others.
// Re-applying an already-correct value performs no remote write.
func (a *Applier) Apply(ctx context.Context, changes domain.ChangeSet) *ApplyReport {
	report := &ApplyReport{
		Confirmed: make(map[domain.Key]domain.Value, len(changes)),
		Failed:    make(map[domain.Key]error),
	}

	for _, key := range changes.Keys() {
		desired := changes[key]
		err := retry.DoVoid(ctx, a.policy, classifyRemote, func() error {
			return a.applyKey(ctx, key, desired)
		})
		if err != nil {
			report.Failed[key] = err
			slog.Warn("Policy key apply failed", "key", key, "error", err)
			continue
		}
		report.Confirmed[key] = desired
	}

	return report
}

// applyKey performs one read-compare-write-verify cycle for a single key.
func (a *Applier) applyKey(ctx context.Context, key domain.Key, desired domain.Value) error {
	current, err := a.store.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("read %q: %w", key, err)
	}
	if current.Equal(desired) {
		return nil
	}

	if err := a.store.Write(ctx, key, desired); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}

	confirmed, err := a.store.Read(ctx, key)
	if err != nil {
		return fmt.Errorf("verify %q: %w", key, err)
	}
	if !confirmed.Equal(desired) {
		return fmt.Errorf("verify %q: store reports %s, want %s: %w",
			key, confirmed, desired, domain.ErrRemoteUnavailable)
	}
	return nil
}
