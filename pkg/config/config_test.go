package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 90, cfg.HeartbeatStaleSeconds)
	assert.Equal(t, 300, cfg.CommandTimeoutSeconds)
	assert.Equal(t, 3, cfg.AttestationPauseThreshold)
	assert.Equal(t, 10, cfg.AttestationFatalThreshold)
	assert.Equal(t, 7, cfg.DeletedRetentionDays)
	assert.Equal(t, 10000, cfg.EventRingCapacity)
}

func TestDurationHelpersConvertSecondsFields(t *testing.T) {
	cfg := &Config{HeartbeatStaleSeconds: 90, CommandTimeoutSeconds: 300, DeletedRetentionDays: 7}

	assert.Equal(t, 90*time.Second, cfg.HeartbeatStale())
	assert.Equal(t, 300*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 7*24*time.Hour, cfg.DeletedRetention())
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("HEARTBEAT_STALE_SECONDS", "45")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.HeartbeatStaleSeconds)
}
