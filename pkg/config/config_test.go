package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, OrchestratorContainer, cfg.Orchestrator)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, "8056", cfg.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Lifecycle.SpawnDeadline)
	assert.Equal(t, 60*time.Second, cfg.Lifecycle.HeartbeatWatchdog)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
}

func TestLoadOrchestratorValidation(t *testing.T) {
	t.Setenv("ORCHESTRATOR", "kubernetes")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ORCHESTRATOR")
}

func TestLoadMinioRequiresEndpoint(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "minio")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("STORAGE_ENDPOINT", "http://minio:9000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Storage.PathStyle)
}

func TestLifecycleOverrides(t *testing.T) {
	t.Setenv("LIFECYCLE_HEARTBEAT_WATCHDOG", "90s")
	t.Setenv("LIFECYCLE_ADMISSION_TIMEOUT_TEAMS", "15m")
	// Bare integers are seconds.
	t.Setenv("LIFECYCLE_STARTUP_ALONE_TIMEOUT", "600")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Lifecycle.HeartbeatWatchdog)
	assert.Equal(t, 15*time.Minute, cfg.Lifecycle.AdmissionTimeoutFor("teams"))
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.AdmissionTimeoutFor("google_meet"))
	assert.Equal(t, 10*time.Minute, cfg.Lifecycle.StartupAloneTimeout)
}

func TestAdmissionTimeoutForUnknownPlatform(t *testing.T) {
	cfg := DefaultLifecycleConfig()
	assert.Equal(t, cfg.AdmissionTimeoutDefault, cfg.AdmissionTimeoutFor("webex"))
}
