package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPendingApply.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusRollingBack.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailedApply.Terminal())
	assert.True(t, StatusFailedRollback.Terminal())
}

func TestStatusLocksKeys(t *testing.T) {
	assert.True(t, StatusPendingApply.LocksKeys())
	assert.True(t, StatusActive.LocksKeys())
	assert.True(t, StatusRollingBack.LocksKeys())
	// stuck rollbacks keep their keys until an operator clears them
	assert.True(t, StatusFailedRollback.LocksKeys())
	assert.False(t, StatusCompleted.LocksKeys())
	assert.False(t, StatusFailedApply.LocksKeys())
}

func TestViewAtRemainingSeconds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	session := &Session{
		ID:        uuid.New(),
		Status:    StatusActive,
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(90 * time.Second),
	}

	view := session.ViewAt(now)
	assert.Equal(t, int64(90), view.RemainingSeconds)

	session.ExpiresAt = now.Add(-time.Second)
	assert.Equal(t, int64(0), session.ViewAt(now).RemainingSeconds)

	session.Status = StatusCompleted
	session.ExpiresAt = now.Add(time.Hour)
	assert.Equal(t, int64(0), session.ViewAt(now).RemainingSeconds)
}
