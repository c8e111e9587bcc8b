// Package models holds the domain types shared by the registry, the
// lifecycle manager, and the HTTP layer.
package models

import "time"

// MeetingStatus is the lifecycle state of a meeting. Transitions are
// enforced by the registry's conditional update; see lifecycle.Manager
// for the full state graph.
type MeetingStatus string

// Lifecycle states. Completed and Failed are terminal.
const (
	StatusRequested         MeetingStatus = "requested"
	StatusJoining           MeetingStatus = "joining"
	StatusAwaitingAdmission MeetingStatus = "awaiting_admission"
	StatusActive            MeetingStatus = "active"
	StatusCompleting        MeetingStatus = "completing"
	StatusCompleted         MeetingStatus = "completed"
	StatusFailed            MeetingStatus = "failed"
)

// NonTerminalStatuses are every status a live meeting can hold.
var NonTerminalStatuses = []MeetingStatus{
	StatusRequested, StatusJoining, StatusAwaitingAdmission,
	StatusActive, StatusCompleting,
}

// IsTerminal reports whether no further transitions are possible.
func (s MeetingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkerAttached reports whether worker_ref must be non-null in this status.
func (s MeetingStatus) WorkerAttached() bool {
	return s == StatusJoining || s == StatusAwaitingAdmission || s == StatusActive
}

// Task is the transcription task requested for a meeting.
type Task string

// Recognized tasks. An empty task means the transcriber's default.
const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// MeetingConfig is captured at dispatch time and immutable afterwards
// except for Language and Task, which a reconfigure command may change.
type MeetingConfig struct {
	Language          string `json:"language,omitempty"`
	Task              Task   `json:"task,omitempty"`
	BotName           string `json:"bot_name,omitempty"`
	Passcode          string `json:"passcode,omitempty"`
	RecordingEnabled  bool   `json:"recording_enabled,omitempty"`
	VoiceAgentEnabled bool   `json:"voice_agent_enabled,omitempty"`
	TranscriptionTier string `json:"transcription_tier,omitempty"`
	CaptureModes      []string `json:"capture_modes,omitempty"`
}

// Meeting is the unit of orchestration. The meeting id, not the native
// platform id, is authoritative for the control plane; the native id is
// nulled on anonymization.
type Meeting struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	Platform        Platform       `json:"platform"`
	NativeMeetingID *string        `json:"native_meeting_id"`
	Status          MeetingStatus  `json:"status"`
	Config          MeetingConfig  `json:"config"`
	WorkerRef       *string        `json:"worker_ref,omitempty"`
	SessionUID      string         `json:"session_uid"`
	Data            map[string]any `json:"data"`

	// Worker-plane credentials. Never serialized; the data bag is
	// user-editable and must not carry secrets.
	CallbackToken *string `json:"-"`
	ConnectionID  *string `json:"-"`

	CompletionReason *string `json:"completion_reason,omitempty"`
	FailureStage     *string `json:"failure_stage,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`
	WebhookError     *string `json:"webhook_error,omitempty"`

	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StatusChangedAt time.Time  `json:"-"`
	LastHeartbeatAt *time.Time `json:"-"`
	AloneSince      *time.Time `json:"-"`
}

// MeetingSession records one audio session of a meeting. The session UID
// is stable across reconfigure; a fresh session is only opened if the
// worker reconnects its audio stream.
type MeetingSession struct {
	SessionUID string    `json:"session_uid"`
	MeetingID  int64     `json:"meeting_id"`
	StartTime  time.Time `json:"session_start_time"`
}
