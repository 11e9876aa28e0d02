package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("NEXTDNS_API_KEY", "test-api-key")
}

func TestLoad_AllRequiredVarsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "test-api-key", cfg.NextDNSAPIKey)
	assert.Equal(t, "https://api.nextdns.io", cfg.NextDNSBaseURL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.SchedulerPollInterval)
	assert.Equal(t, 5*time.Second, cfg.RemoteCallTimeout)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		skipEnv string
		wantErr string
	}{
		{"missing DATABASE_URL", "DATABASE_URL", "DATABASE_URL is required"},
		{"missing NEXTDNS_API_KEY", "NEXTDNS_API_KEY", "NEXTDNS_API_KEY is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.skipEnv, "")

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_InvalidIntervals(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SCHEDULER_POLL_INTERVAL", "-1s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_POLL_INTERVAL")
}

func TestLoad_OverridesDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NEXTDNS_PROFILE_ID", "abc123")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.NextDNSProfileID)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerPollInterval)
}
