package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobragsdale/automation/internal/adapter/memory"
	"github.com/jacobragsdale/automation/internal/domain"
	"github.com/jacobragsdale/automation/internal/policy"
)

func TestCapture_ReadsExactlyTheGivenKeys(t *testing.T) {
	store := memory.NewPolicyStore(map[domain.Key]domain.Value{
		domain.KeySafeSearch:           domain.BoolValue(false),
		domain.KeyBlockBypass:          domain.BoolValue(true),
		domain.CategoryKey("gambling"): domain.BoolValue(false),
	})
	capturer := policy.NewCapturerWithPolicy(store, fastRetry)

	snap, err := capturer.Capture(context.Background(), []domain.Key{domain.KeySafeSearch, domain.KeyBlockBypass})
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Len())
	v, ok := snap.Get(domain.KeySafeSearch)
	require.True(t, ok)
	assert.False(t, v.Bool)
	_, ok = snap.Get(domain.CategoryKey("gambling"))
	assert.False(t, ok, "snapshot must cover only requested keys")
}

func TestCapture_MissingDenylistRuleCapturedAsAbsent(t *testing.T) {
	store := memory.NewPolicyStore(nil)
	capturer := policy.NewCapturerWithPolicy(store, fastRetry)

	key := domain.DenylistKey("distraction.example")
	snap, err := capturer.Capture(context.Background(), []domain.Key{key})
	require.NoError(t, err)

	v, ok := snap.Get(key)
	require.True(t, ok)
	assert.True(t, v.Absent, "a rule that never existed rolls back to deletion")
}

func TestCapture_AnyKeyFailureFailsTheCapture(t *testing.T) {
	store := memory.NewPolicyStore(map[domain.Key]domain.Value{
		domain.KeySafeSearch: domain.BoolValue(false),
	})
	bad := domain.CategoryKey("nope")
	store.RejectKey(bad)
	capturer := policy.NewCapturerWithPolicy(store, fastRetry)

	_, err := capturer.Capture(context.Background(), []domain.Key{domain.KeySafeSearch, bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemoteRejected)
}
