// Package lifecycle owns the per-meeting state machine. It translates
// HTTP requests, worker callbacks, and timer expirations into registry
// transitions, and funnels every termination through one exit reducer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vexa-ai/vexa/pkg/bot"
	"github.com/vexa-ai/vexa/pkg/commandbus"
	"github.com/vexa-ai/vexa/pkg/config"
	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
	"github.com/vexa-ai/vexa/pkg/webhook"
)

// WorkerEndpoints are the addresses handed to every spawned worker.
type WorkerEndpoints struct {
	CallbackBaseURL string
	RedisURL        string
	TranscriberURL  string
}

// Manager drives meetings through the state graph.
type Manager struct {
	cfg        config.LifecycleConfig
	meetings   *registry.MeetingStore
	users      *registry.UserStore
	recordings *registry.RecordingStore
	orch       bot.Orchestrator
	bus        *commandbus.Bus
	webhooks   *webhook.Dispatcher
	endpoints  WorkerEndpoints
	logger     *slog.Logger
}

// NewManager wires the lifecycle manager. The webhook dispatcher may be
// nil in tests.
func NewManager(
	cfg config.LifecycleConfig,
	meetings *registry.MeetingStore,
	users *registry.UserStore,
	recordings *registry.RecordingStore,
	orch bot.Orchestrator,
	bus *commandbus.Bus,
	webhooks *webhook.Dispatcher,
	endpoints WorkerEndpoints,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		meetings:   meetings,
		users:      users,
		recordings: recordings,
		orch:       orch,
		bus:        bus,
		webhooks:   webhooks,
		endpoints:  endpoints,
		logger:     logger.With("component", "lifecycle"),
	}
}

// DispatchRequest is a validated request to put a bot into a meeting.
type DispatchRequest struct {
	Platform        models.Platform
	NativeMeetingID string
	Config          models.MeetingConfig
}

// Dispatch admits the meeting through the registry and asks the
// orchestrator to start its worker. The meeting is `joining` on success
// and `failed(stage=spawn)` when the substrate rejects or times out.
func (m *Manager) Dispatch(ctx context.Context, userID int64, req DispatchRequest) (*models.Meeting, error) {
	if err := req.Platform.ValidateNativeID(req.NativeMeetingID, req.Config.Passcode); err != nil {
		return nil, &registry.ValidationError{Field: "native_meeting_id", Message: err.Error()}
	}
	meetingURL, err := req.Platform.MeetingURL(req.NativeMeetingID, req.Config.Passcode)
	if err != nil {
		return nil, &registry.ValidationError{Field: "platform", Message: err.Error()}
	}

	meeting, err := m.meetings.CreateRequest(ctx, userID, req.Platform, req.NativeMeetingID, req.Config)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("meeting_id", meeting.ID, "platform", meeting.Platform)

	spec := bot.StartSpec{
		MeetingID:       meeting.ID,
		Platform:        meeting.Platform,
		NativeMeetingID: req.NativeMeetingID,
		MeetingURL:      meetingURL,
		SessionUID:      meeting.SessionUID,
		ConnectionID:    uuid.NewString(),
		Token:           uuid.NewString(),
		CallbackURL:     fmt.Sprintf("%s/bots/internal/callback/%d", m.endpoints.CallbackBaseURL, meeting.ID),
		RedisURL:        m.endpoints.RedisURL,
		CommandChannel:  commandbus.CommandChannel(meeting.ID),
		TranscriberURL:  m.endpoints.TranscriberURL,
		Config:          meeting.Config,
	}
	// Without recorded credentials the worker could never authenticate
	// its callbacks, so this fails the dispatch before the spawn.
	if err := m.meetings.SetWorkerCredentials(ctx, meeting.ID, spec.Token, spec.ConnectionID); err != nil {
		log.Error("Failed to record worker credentials", "error", err)
		msg := err.Error()
		failed, terr := m.terminate(ctx, meeting.ID, models.Terminal{
			Status:       models.StatusFailed,
			FailureStage: models.FailureStageSpawn,
		}, &msg)
		if terr != nil {
			log.Error("Failed to fail meeting after credential error", "error", terr)
			return nil, err
		}
		return failed, err
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnDeadline)
	workerRef, err := m.orch.Start(startCtx, spec)
	cancel()
	if err != nil {
		log.Error("Worker start failed", "error", err)
		msg := err.Error()
		failed, terr := m.terminate(ctx, meeting.ID, models.Terminal{
			Status:       models.StatusFailed,
			FailureStage: models.FailureStageSpawn,
		}, &msg)
		if terr != nil {
			log.Error("Failed to fail meeting after spawn error", "error", terr)
			return nil, err
		}
		return failed, err
	}

	if err := m.meetings.AttachWorker(ctx, meeting.ID, workerRef); err != nil {
		log.Error("Failed to attach worker", "worker_ref", workerRef, "error", err)
	}
	meeting, err = m.meetings.Transition(ctx, meeting.ID,
		[]models.MeetingStatus{models.StatusRequested, models.StatusJoining},
		models.StatusJoining, registry.TransitionPatch{})
	if err != nil {
		// A racing joining_ack already moved it; read the current row.
		var invalid *registry.InvalidTransitionError
		if !errors.As(err, &invalid) {
			return nil, err
		}
		meeting, err = m.meetings.Get(ctx, meeting.ID)
		if err != nil {
			return nil, err
		}
	}

	if meeting.Config.RecordingEnabled {
		if _, err := m.recordings.Create(ctx, meeting.ID, meeting.SessionUID, models.RecordingSourceBot); err != nil {
			log.Error("Failed to open recording", "error", err)
		}
	}

	log.Info("Bot dispatched", "worker_ref", workerRef, "status", meeting.Status)
	return meeting, nil
}

// WorkerCallback is the payload a worker POSTs to its status endpoint.
type WorkerCallback struct {
	ConnectionID     string            `json:"connection_id"`
	Status           string            `json:"status"`
	Reason           models.ExitReason `json:"reason,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	ErrorDetails     string            `json:"error_details,omitempty"`
	ContainerName    string            `json:"container_name,omitempty"`
	ParticipantCount *int              `json:"participant_count,omitempty"`
	SpeakerSeen      *bool             `json:"speaker_seen,omitempty"`
}

// Callback statuses a worker may report.
const (
	CallbackJoining           = "joining"
	CallbackAwaitingAdmission = "awaiting_admission"
	CallbackActive            = "active"
	CallbackStatusUpdate      = "status_update"
	CallbackExit              = "exit"
)

// HandleCallback applies one worker status callback. Replays of the same
// (connection_id, status) pair are acknowledged without effect.
func (m *Manager) HandleCallback(ctx context.Context, meetingID int64, cb WorkerCallback) error {
	if cb.ConnectionID == "" {
		return &registry.ValidationError{Field: "connection_id", Message: "must not be empty"}
	}
	log := m.logger.With("meeting_id", meetingID, "callback", cb.Status)

	// status_update heartbeats repeat and bypass deduplication.
	if cb.Status != CallbackStatusUpdate {
		fresh, err := m.meetings.MarkCallback(ctx, cb.ConnectionID, cb.Status)
		if err != nil {
			return err
		}
		if !fresh {
			log.Info("Duplicate callback ignored", "connection_id", cb.ConnectionID)
			return nil
		}
	}

	err := m.applyCallback(ctx, meetingID, cb, log)
	if err != nil && cb.Status != CallbackStatusUpdate {
		// Release the dedup key so the worker's retry of the same
		// (connection_id, status) pair is not swallowed as a duplicate.
		if uerr := m.meetings.UnmarkCallback(ctx, cb.ConnectionID, cb.Status); uerr != nil {
			log.Error("Failed to release callback dedup key",
				"connection_id", cb.ConnectionID, "error", uerr)
		}
	}
	return err
}

func (m *Manager) applyCallback(ctx context.Context, meetingID int64, cb WorkerCallback, log *slog.Logger) error {
	switch cb.Status {
	case CallbackJoining:
		// Tolerant of requested: the callback may beat Dispatch's own
		// requested->joining transition.
		_, err := m.meetings.Transition(ctx, meetingID,
			[]models.MeetingStatus{models.StatusRequested, models.StatusJoining},
			models.StatusJoining, registry.TransitionPatch{})
		return ignoreLostRace(err)

	case CallbackAwaitingAdmission:
		meeting, err := m.meetings.Transition(ctx, meetingID,
			[]models.MeetingStatus{models.StatusJoining},
			models.StatusAwaitingAdmission, registry.TransitionPatch{})
		if err != nil {
			return ignoreLostRace(err)
		}
		return m.recheckConcurrency(ctx, meeting)

	case CallbackActive:
		_, err := m.meetings.Transition(ctx, meetingID,
			[]models.MeetingStatus{models.StatusJoining, models.StatusAwaitingAdmission},
			models.StatusActive, registry.TransitionPatch{SetStartTime: true})
		if err != nil {
			return ignoreLostRace(err)
		}
		if err := m.meetings.Heartbeat(ctx, meetingID); err != nil {
			log.Error("Failed to record initial heartbeat", "error", err)
		}
		return m.applyPresence(ctx, meetingID, cb)

	case CallbackStatusUpdate:
		// Heartbeats bump only the watchdog; the alone timer moves on
		// explicit participant counts alone.
		if err := m.meetings.Heartbeat(ctx, meetingID); err != nil {
			return err
		}
		return m.applyPresence(ctx, meetingID, cb)

	case CallbackExit:
		return m.handleExit(ctx, meetingID, cb)
	}
	return &registry.ValidationError{Field: "status", Message: fmt.Sprintf("unknown callback status %q", cb.Status)}
}

func (m *Manager) applyPresence(ctx context.Context, meetingID int64, cb WorkerCallback) error {
	if cb.ParticipantCount != nil {
		if err := m.meetings.SetAloneSince(ctx, meetingID, *cb.ParticipantCount <= 1); err != nil {
			return err
		}
		if err := m.meetings.MergeData(ctx, meetingID, map[string]any{
			"participant_count": *cb.ParticipantCount,
		}); err != nil {
			return err
		}
	}
	if cb.SpeakerSeen != nil && *cb.SpeakerSeen {
		if err := m.meetings.MergeData(ctx, meetingID, map[string]any{"speaker_seen": true}); err != nil {
			return err
		}
	}
	return nil
}

// recheckConcurrency re-counts the owner's live meetings once the bot is
// in the lobby. A concurrent dispatch can briefly exceed the limit; the
// newest loser leaves immediately.
func (m *Manager) recheckConcurrency(ctx context.Context, meeting *models.Meeting) error {
	owner, err := m.users.Get(ctx, meeting.UserID)
	if err != nil {
		return err
	}
	active, err := m.meetings.CountActive(ctx, meeting.UserID)
	if err != nil {
		return err
	}
	if active <= owner.MaxConcurrentBots {
		return nil
	}

	m.logger.Warn("Concurrency limit exceeded after admission, ejecting bot",
		"meeting_id", meeting.ID, "user_id", meeting.UserID,
		"active", active, "max", owner.MaxConcurrentBots)
	if err := m.bus.Publish(ctx, commandbus.Leave(meeting.ID, "concurrency_limit")); err != nil {
		m.logger.Warn("Leave publish failed", "meeting_id", meeting.ID, "error", err)
	}
	_, err = m.terminate(ctx, meeting.ID, models.Terminal{
		Status:       models.StatusFailed,
		FailureStage: models.FailureStageConcurrency,
	}, nil)
	return err
}

func (m *Manager) handleExit(ctx context.Context, meetingID int64, cb WorkerCallback) error {
	reason := cb.Reason
	if reason == "" && cb.ExitCode != nil {
		reason = models.ReduceExitCode(*cb.ExitCode)
	}
	if reason == "" {
		reason = models.ExitNormalCompletion
	}

	term := models.ReduceExit(reason)
	var errMsg *string
	if cb.ErrorDetails != "" {
		errMsg = &cb.ErrorDetails
	}
	_, err := m.terminate(ctx, meetingID, term, errMsg)
	return err
}

// HandleWorkerExit is the substrate-side exit path, used by the process
// orchestrator when a child dies without reporting.
func (m *Manager) HandleWorkerExit(meetingID int64, exitCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	meeting, err := m.meetings.Get(ctx, meetingID)
	if err != nil || meeting.Status.IsTerminal() {
		// The worker's own exit callback got there first.
		return
	}
	term := models.ReduceExit(models.ReduceExitCode(exitCode))
	if _, err := m.terminate(ctx, meetingID, term, nil); err != nil {
		m.logger.Error("Failed to terminate meeting after worker exit",
			"meeting_id", meetingID, "exit_code", exitCode, "error", err)
	}
}

// Stop asks the bot to leave. The meeting completes when the worker's
// exit callback arrives; the reaper covers a worker that never answers.
func (m *Manager) Stop(ctx context.Context, userID, meetingID int64) (*models.Meeting, error) {
	meeting, err := m.meetings.GetOwned(ctx, userID, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.Status.IsTerminal() {
		return nil, &registry.InvalidTransitionError{
			MeetingID: meetingID, Current: meeting.Status, Target: models.StatusCompleting,
		}
	}

	if err := m.bus.Publish(ctx, commandbus.Leave(meetingID, "")); err != nil {
		m.logger.Warn("Leave publish failed", "meeting_id", meetingID, "error", err)
	}

	// A requested meeting has no worker to answer; complete it directly.
	if meeting.Status == models.StatusRequested {
		return m.terminate(ctx, meetingID, models.Terminal{
			Status:           models.StatusCompleted,
			CompletionReason: models.CompletionStopped,
		}, nil)
	}

	updated, err := m.meetings.Transition(ctx, meetingID,
		models.NonTerminalStatuses, models.StatusCompleting, registry.TransitionPatch{})
	if err != nil {
		return nil, err
	}
	if meeting.WorkerRef != nil {
		if err := m.orch.Stop(ctx, *meeting.WorkerRef, m.cfg.StopGrace); err != nil {
			m.logger.Warn("Orchestrator stop failed", "meeting_id", meetingID, "error", err)
		}
	}
	return updated, nil
}

// Reconfigure changes language and task mid-session. Only those two
// fields are mutable; everything else is fixed at dispatch.
func (m *Manager) Reconfigure(ctx context.Context, userID, meetingID int64, language string, task models.Task) (*models.Meeting, error) {
	meeting, err := m.meetings.GetOwned(ctx, userID, meetingID)
	if err != nil {
		return nil, err
	}
	switch meeting.Status {
	case models.StatusJoining, models.StatusAwaitingAdmission, models.StatusActive:
	default:
		return nil, &registry.InvalidTransitionError{
			MeetingID: meetingID, Current: meeting.Status, Target: meeting.Status,
		}
	}

	if err := m.bus.Publish(ctx, commandbus.Reconfigure(meetingID, language, task)); err != nil {
		return nil, err
	}
	return m.meetings.PatchConfig(ctx, meetingID, language, task)
}

// PublishCommand forwards a validated bus command for a meeting the user
// owns and that still has a live worker.
func (m *Manager) PublishCommand(ctx context.Context, userID int64, cmd commandbus.Command) error {
	meeting, err := m.meetings.GetOwned(ctx, userID, cmd.MeetingID)
	if err != nil {
		return err
	}
	if meeting.Status.IsTerminal() {
		return &registry.InvalidTransitionError{
			MeetingID: cmd.MeetingID, Current: meeting.Status, Target: meeting.Status,
		}
	}
	return m.bus.Publish(ctx, cmd)
}

// terminate is the single funnel for terminal transitions: conditional
// transition, worker detach, webhook enqueue. Idempotent against races:
// losing the transition to a concurrent terminator is not an error.
func (m *Manager) terminate(ctx context.Context, meetingID int64, term models.Terminal, errMsg *string) (*models.Meeting, error) {
	patch := registry.TransitionPatch{
		ErrorMessage: errMsg,
		SetEndTime:   true,
		DetachWorker: true,
	}
	if term.CompletionReason != "" {
		patch.CompletionReason = &term.CompletionReason
	}
	if term.FailureStage != "" {
		patch.FailureStage = &term.FailureStage
	}

	before, err := m.meetings.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	meeting, err := m.meetings.Transition(ctx, meetingID, models.NonTerminalStatuses, term.Status, patch)
	if err != nil {
		var invalid *registry.InvalidTransitionError
		if errors.As(err, &invalid) && invalid.Current.IsTerminal() {
			return m.meetings.Get(ctx, meetingID)
		}
		return nil, err
	}

	if before.WorkerRef != nil {
		if err := m.orch.Kill(ctx, *before.WorkerRef); err != nil {
			m.logger.Warn("Worker kill failed during termination",
				"meeting_id", meetingID, "worker_ref", *before.WorkerRef, "error", err)
		}
	}

	m.logger.Info("Meeting terminated",
		"meeting_id", meetingID, "status", meeting.Status,
		"completion_reason", term.CompletionReason, "failure_stage", term.FailureStage)
	m.fireWebhook(ctx, meeting)
	return meeting, nil
}

// fireWebhook enqueues the terminal notification if the owner has a
// webhook configured.
func (m *Manager) fireWebhook(ctx context.Context, meeting *models.Meeting) {
	if m.webhooks == nil {
		return
	}
	owner, err := m.users.Get(ctx, meeting.UserID)
	if err != nil {
		m.logger.Error("Failed to load owner for webhook", "meeting_id", meeting.ID, "error", err)
		return
	}
	if owner.WebhookURL == nil || *owner.WebhookURL == "" {
		return
	}
	secret := ""
	if owner.WebhookSecret != nil {
		secret = *owner.WebhookSecret
	}
	m.webhooks.Enqueue(webhook.Delivery{
		MeetingID: meeting.ID,
		URL:       *owner.WebhookURL,
		Secret:    secret,
		Payload:   models.PayloadForMeeting(meeting),
	})
}

// ignoreLostRace swallows from-set misses where the meeting is already
// at or past the requested state. Out-of-order callbacks are expected.
func ignoreLostRace(err error) error {
	var invalid *registry.InvalidTransitionError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}
