package config

import (
	"fmt"
	"strings"
	"time"
)

// LifecycleConfig holds the timers that drive the bot state machine.
type LifecycleConfig struct {
	// SpawnDeadline is how long a meeting may stay in `requested` after
	// the worker start call before it is failed.
	SpawnDeadline time.Duration

	// AdmissionTimeout per platform: how long a bot may wait in the
	// lobby before the meeting is abandoned. Platforms not listed use
	// AdmissionTimeoutDefault.
	AdmissionTimeout        map[string]time.Duration
	AdmissionTimeoutDefault time.Duration

	// AdmissionGrace is the window between the admission-timeout leave
	// command and the fallback hard kill.
	AdmissionGrace time.Duration

	// StartupAloneTimeout: bot alone since joining, no one ever spoke.
	// PostSpeakerAloneTimeout: everyone else already left.
	StartupAloneTimeout     time.Duration
	PostSpeakerAloneTimeout time.Duration

	// HeartbeatWatchdog is how long an active meeting may go without a
	// worker heartbeat before it is force-terminated.
	HeartbeatWatchdog time.Duration

	// CompletingTimeout is how long a meeting may sit in `completing`
	// before the worker is killed and the meeting failed.
	CompletingTimeout time.Duration

	// StopGrace is the soft-stop window passed to the orchestrator.
	StopGrace time.Duration

	// ReaperInterval is how often the background scan runs.
	ReaperInterval time.Duration
}

// DefaultLifecycleConfig returns the built-in lifecycle timers.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		SpawnDeadline: 10 * time.Second,
		AdmissionTimeout: map[string]time.Duration{
			"google_meet": 5 * time.Minute,
			"teams":       10 * time.Minute,
			"zoom":        5 * time.Minute,
		},
		AdmissionTimeoutDefault: 5 * time.Minute,
		AdmissionGrace:          30 * time.Second,
		StartupAloneTimeout:     20 * time.Minute,
		PostSpeakerAloneTimeout: 10 * time.Second,
		HeartbeatWatchdog:       60 * time.Second,
		CompletingTimeout:       5 * time.Minute,
		StopGrace:               30 * time.Second,
		ReaperInterval:          30 * time.Second,
	}
}

// AdmissionTimeoutFor returns the lobby timeout for a platform.
func (c LifecycleConfig) AdmissionTimeoutFor(platform string) time.Duration {
	if d, ok := c.AdmissionTimeout[platform]; ok {
		return d
	}
	return c.AdmissionTimeoutDefault
}

// loadOverrides applies per-timer environment overrides on top of defaults.
func (c *LifecycleConfig) loadOverrides() error {
	c.SpawnDeadline = getDuration("LIFECYCLE_SPAWN_DEADLINE", c.SpawnDeadline)
	c.AdmissionTimeoutDefault = getDuration("LIFECYCLE_ADMISSION_TIMEOUT", c.AdmissionTimeoutDefault)
	c.AdmissionGrace = getDuration("LIFECYCLE_ADMISSION_GRACE", c.AdmissionGrace)
	c.StartupAloneTimeout = getDuration("LIFECYCLE_STARTUP_ALONE_TIMEOUT", c.StartupAloneTimeout)
	c.PostSpeakerAloneTimeout = getDuration("LIFECYCLE_POST_SPEAKER_ALONE_TIMEOUT", c.PostSpeakerAloneTimeout)
	c.HeartbeatWatchdog = getDuration("LIFECYCLE_HEARTBEAT_WATCHDOG", c.HeartbeatWatchdog)
	c.CompletingTimeout = getDuration("LIFECYCLE_COMPLETING_TIMEOUT", c.CompletingTimeout)
	c.StopGrace = getDuration("LIFECYCLE_STOP_GRACE", c.StopGrace)
	c.ReaperInterval = getDuration("LIFECYCLE_REAPER_INTERVAL", c.ReaperInterval)

	for _, p := range []string{"google_meet", "teams", "zoom"} {
		key := "LIFECYCLE_ADMISSION_TIMEOUT_" + strings.ToUpper(p)
		c.AdmissionTimeout[p] = getDuration(key, c.AdmissionTimeout[p])
	}

	if c.SpawnDeadline <= 0 || c.HeartbeatWatchdog <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("config: lifecycle timers must be positive")
	}
	return nil
}
