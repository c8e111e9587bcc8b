package lifecycle

import (
	"context"

	"github.com/vexa-ai/vexa/pkg/bot"
	"github.com/vexa-ai/vexa/pkg/models"
)

// Reconcile realigns the registry with the substrate after a restart.
// Live meetings whose worker vanished are failed; workers whose meeting
// is already terminal (or unknown) are killed. Run once at startup,
// before the HTTP server accepts traffic.
func (m *Manager) Reconcile(ctx context.Context) error {
	workers, err := m.orch.List(ctx)
	if err != nil {
		return err
	}
	byMeeting := make(map[int64]bot.Worker, len(workers))
	for _, w := range workers {
		byMeeting[w.MeetingID] = w
	}

	live, err := m.meetings.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	claimed := make(map[int64]bool, len(live))

	for _, meeting := range live {
		claimed[meeting.ID] = true
		if !meeting.Status.WorkerAttached() {
			// requested is covered by the spawn-deadline sweep and
			// completing by the leave-acknowledgment sweep.
			continue
		}
		worker, ok := byMeeting[meeting.ID]
		if ok && worker.State == bot.StateRunning {
			continue
		}
		m.logger.Warn("Worker gone after restart, failing meeting",
			"meeting_id", meeting.ID, "status", meeting.Status)
		msg := "worker lost across orchestrator restart"
		if _, err := m.terminate(ctx, meeting.ID, models.Terminal{
			Status:       models.StatusFailed,
			FailureStage: models.FailureStageHeartbeatLost,
		}, &msg); err != nil {
			m.logger.Error("Reconcile termination failed", "meeting_id", meeting.ID, "error", err)
		}
	}

	// Orphaned workers: running for a meeting that is terminal or that
	// the registry does not know. Their meeting cannot come back, so a
	// reappearing worker is stopped hard.
	for _, w := range workers {
		if w.State != bot.StateRunning || claimed[w.MeetingID] {
			continue
		}
		m.logger.Warn("Killing orphaned worker",
			"meeting_id", w.MeetingID, "worker_ref", w.Ref)
		if err := m.orch.Kill(ctx, w.Ref); err != nil {
			m.logger.Error("Orphan kill failed", "worker_ref", w.Ref, "error", err)
		}
	}
	return nil
}
