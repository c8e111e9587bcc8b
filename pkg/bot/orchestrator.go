// Package bot hides the worker spawn/terminate substrate behind a
// uniform Orchestrator interface. Two substrates exist: one container
// per meeting via the Docker Engine API, and one child process per
// meeting for single-host deployments.
package bot

import (
	"context"
	"errors"
	"time"

	"github.com/vexa-ai/vexa/pkg/models"
)

// Substrate failure modes. ErrBadImage only occurs on the container
// substrate; the two variants are otherwise behaviorally identical.
var (
	ErrSubstrateUnavailable = errors.New("bot: substrate unavailable")
	ErrQuotaExceeded        = errors.New("bot: quota exceeded")
	ErrBadImage             = errors.New("bot: bad image")
)

// WorkerState is the orchestrator's view of a worker.
type WorkerState string

// Worker states.
const (
	StateRunning WorkerState = "running"
	StateExited  WorkerState = "exited"
	StateMissing WorkerState = "missing"
)

// StartSpec is everything a worker needs to join a meeting. It is
// serialized as a single JSON blob into the worker's environment.
type StartSpec struct {
	MeetingID       int64                `json:"meeting_id"`
	Platform        models.Platform      `json:"platform"`
	NativeMeetingID string               `json:"native_meeting_id"`
	MeetingURL      string               `json:"meeting_url"`
	SessionUID      string               `json:"session_uid"`
	ConnectionID    string               `json:"connection_id"`
	Token           string               `json:"token"`
	CallbackURL     string               `json:"callback_url"`
	RedisURL        string               `json:"redis_url"`
	CommandChannel  string               `json:"command_channel"`
	TranscriberURL  string               `json:"transcriber_url"`
	Config          models.MeetingConfig `json:"config"`
}

// Worker is one spawned bot as seen by List.
type Worker struct {
	Ref       string
	MeetingID int64
	State     WorkerState
}

// Orchestrator starts and stops meeting workers. Start returns once the
// substrate has accepted the worker; it does not wait for the worker's
// joining acknowledgment. Stop sends a soft stop and hard-terminates
// after the grace period. Implementations report worker exits through
// the ExitFunc registered with SetExitHandler.
type Orchestrator interface {
	Start(ctx context.Context, spec StartSpec) (workerRef string, err error)
	Stop(ctx context.Context, workerRef string, grace time.Duration) error
	Kill(ctx context.Context, workerRef string) error
	Inspect(ctx context.Context, workerRef string) (WorkerState, error)
	List(ctx context.Context) ([]Worker, error)
}

// ExitFunc receives substrate-observed worker exits. Only the process
// substrate reports exits this way; container workers report their own
// exit through the HTTP callback before dying.
type ExitFunc func(meetingID int64, exitCode int)
