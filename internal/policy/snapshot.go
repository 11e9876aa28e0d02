package policy

import (
	"context"
	"fmt"

	"github.com/jacobragsdale/automation/internal/domain"
	"github.com/jacobragsdale/automation/internal/platform/retry"
)

// Capturer reads current remote values for a fixed set of keys. A capture
// happens before any apply for the same keys; the session manager persists it
// in the same write that creates the session, so a crash after a partial
// apply can never lose the rollback target.
type Capturer struct {
	store  domain.PolicyStore
	policy retry.Policy
}

func NewCapturer(store domain.PolicyStore) *Capturer {
	return &Capturer{store: store, policy: defaultPolicy}
}

// NewCapturerWithPolicy overrides the retry budget.
func NewCapturerWithPolicy(store domain.PolicyStore, policy retry.Policy) *Capturer {
	return &Capturer{store: store, policy: policy}
}

// Capture reads exactly the given keys. Any key that cannot be read fails the
// whole capture: a session without a complete rollback target must not start.
func (c *Capturer) Capture(ctx context.Context, keys []domain.Key) (domain.Snapshot, error) {
	values := make(map[domain.Key]domain.Value, len(keys))
	for _, key := range keys {
		v, err := retry.Do(ctx, c.policy, classifyRemote, func() (domain.Value, error) {
			return c.store.Read(ctx, key)
		})
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("capture %q: %w", key, err)
		}
		values[key] = v
	}
	return domain.NewSnapshot(values), nil
}
