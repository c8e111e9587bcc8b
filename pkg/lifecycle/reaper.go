package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vexa-ai/vexa/pkg/commandbus"
	"github.com/vexa-ai/vexa/pkg/config"
	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
)

// Reaper periodically sweeps live meetings for expired timers: spawn
// deadline, admission timeout, alone timeout, heartbeat watchdog, and
// workers that never acknowledged a leave.
type Reaper struct {
	cfg      config.LifecycleConfig
	manager  *Manager
	meetings *registry.MeetingStore
	bus      *commandbus.Bus
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper wires the background sweeper.
func NewReaper(cfg config.LifecycleConfig, manager *Manager, meetings *registry.MeetingStore, bus *commandbus.Bus, logger *slog.Logger) *Reaper {
	return &Reaper{
		cfg:      cfg,
		manager:  manager,
		meetings: meetings,
		bus:      bus,
		logger:   logger.With("component", "reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReaperInterval)
		defer ticker.Stop()
		r.logger.Info("Reaper started", "interval", r.cfg.ReaperInterval)
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}

// Sweep runs every scan once. Exported so startup and tests can force a
// pass without waiting for the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepStuckRequested(ctx)
	r.sweepAdmission(ctx)
	r.sweepHeartbeats(ctx)
	r.sweepAlone(ctx)
	r.sweepCompleting(ctx)
}

// sweepStuckRequested fails meetings whose worker start never concluded,
// e.g. after a crash between create and attach.
func (r *Reaper) sweepStuckRequested(ctx context.Context) {
	stale, err := r.meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:  []models.MeetingStatus{models.StatusRequested},
		OlderThan: r.cfg.SpawnDeadline,
	})
	if err != nil {
		r.logger.Error("Stuck-requested scan failed", "error", err)
		return
	}
	for _, meeting := range stale {
		r.logger.Warn("Meeting stuck in requested, failing", "meeting_id", meeting.ID)
		msg := "worker start timed out"
		r.fail(ctx, meeting.ID, models.FailureStageSpawn, &msg)
	}
}

// sweepAdmission handles bots waiting in the lobby too long: a leave is
// published at the platform's admission timeout, and the worker is
// hard-stopped and the meeting failed once the grace window passes too.
func (r *Reaper) sweepAdmission(ctx context.Context) {
	minTimeout := r.cfg.AdmissionTimeoutDefault
	for _, d := range r.cfg.AdmissionTimeout {
		if d < minTimeout {
			minTimeout = d
		}
	}
	stale, err := r.meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:  []models.MeetingStatus{models.StatusJoining, models.StatusAwaitingAdmission},
		OlderThan: minTimeout,
	})
	if err != nil {
		r.logger.Error("Admission scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, meeting := range stale {
		timeout := r.cfg.AdmissionTimeoutFor(string(meeting.Platform))
		age := now.Sub(meeting.StatusChangedAt)
		if age < timeout {
			continue
		}
		if age < timeout+r.cfg.AdmissionGrace {
			r.logger.Warn("Admission timeout, asking bot to leave",
				"meeting_id", meeting.ID, "platform", meeting.Platform, "waited", age)
			if err := r.bus.Publish(ctx, commandbus.Leave(meeting.ID, string(models.ExitAdmissionFailed))); err != nil {
				r.logger.Warn("Leave publish failed", "meeting_id", meeting.ID, "error", err)
			}
			continue
		}
		r.logger.Warn("Admission grace exceeded, failing meeting", "meeting_id", meeting.ID)
		msg := "bot was not admitted before the timeout"
		r.fail(ctx, meeting.ID, models.FailureStageAdmission, &msg)
	}
}

// sweepHeartbeats force-terminates active meetings whose worker went
// silent past the watchdog window.
func (r *Reaper) sweepHeartbeats(ctx context.Context) {
	stale, err := r.meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:    []models.MeetingStatus{models.StatusActive},
		OlderThan:   r.cfg.HeartbeatWatchdog,
		ByHeartbeat: true,
	})
	if err != nil {
		r.logger.Error("Heartbeat scan failed", "error", err)
		return
	}
	for _, meeting := range stale {
		r.logger.Warn("Heartbeat lost, force-terminating worker", "meeting_id", meeting.ID)
		msg := "worker heartbeat lost"
		r.fail(ctx, meeting.ID, models.FailureStageHeartbeatLost, &msg)
	}
}

// sweepAlone asks bots that have been the only participant too long to
// leave. The threshold depends on whether anyone ever spoke.
func (r *Reaper) sweepAlone(ctx context.Context) {
	threshold := r.cfg.PostSpeakerAloneTimeout
	if r.cfg.StartupAloneTimeout < threshold {
		threshold = r.cfg.StartupAloneTimeout
	}
	stale, err := r.meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:     []models.MeetingStatus{models.StatusActive},
		OlderThan:    threshold,
		ByAloneSince: true,
	})
	if err != nil {
		r.logger.Error("Alone scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, meeting := range stale {
		timeout := r.cfg.StartupAloneTimeout
		reason := models.ExitStartupAloneTimeout
		if spoken, _ := meeting.Data["speaker_seen"].(bool); spoken {
			timeout = r.cfg.PostSpeakerAloneTimeout
			reason = models.ExitPostSpeakerAloneTimeout
		}
		if meeting.AloneSince == nil || now.Sub(*meeting.AloneSince) < timeout {
			continue
		}
		r.logger.Info("Bot alone past timeout, asking it to leave",
			"meeting_id", meeting.ID, "reason", reason)
		if err := r.bus.Publish(ctx, commandbus.Leave(meeting.ID, string(reason))); err != nil {
			r.logger.Warn("Leave publish failed", "meeting_id", meeting.ID, "error", err)
		}
	}
}

// sweepCompleting fails meetings whose worker never acknowledged the
// leave command.
func (r *Reaper) sweepCompleting(ctx context.Context) {
	stale, err := r.meetings.ListStale(ctx, registry.StaleQuery{
		Statuses:  []models.MeetingStatus{models.StatusCompleting},
		OlderThan: r.cfg.CompletingTimeout,
	})
	if err != nil {
		r.logger.Error("Completing scan failed", "error", err)
		return
	}
	for _, meeting := range stale {
		r.logger.Warn("Worker never acknowledged leave, failing meeting", "meeting_id", meeting.ID)
		msg := "worker did not acknowledge leave"
		r.fail(ctx, meeting.ID, models.FailureStageSignal, &msg)
	}
}

func (r *Reaper) fail(ctx context.Context, meetingID int64, stage string, msg *string) {
	_, err := r.manager.terminate(ctx, meetingID, models.Terminal{
		Status:       models.StatusFailed,
		FailureStage: stage,
	}, msg)
	if err != nil {
		r.logger.Error("Failed to terminate stale meeting",
			"meeting_id", meetingID, "stage", stage, "error", err)
	}
}
