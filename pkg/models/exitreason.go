package models

// ExitReason is the reason string a worker reports on its final callback,
// or that the lifecycle manager synthesizes for timeouts and lost workers.
type ExitReason string

// Known exit reasons. Unknown strings are treated as platform failures.
const (
	ExitSelfInitiatedLeave        ExitReason = "self_initiated_leave"
	ExitSelfInitiatedLeaveBrowser ExitReason = "self_initiated_leave_from_browser"
	ExitNormalCompletion          ExitReason = "normal_completion"
	ExitLeftAlone                 ExitReason = "left_alone"
	ExitStartupAloneTimeout       ExitReason = "startup_alone_timeout"
	ExitPostSpeakerAloneTimeout   ExitReason = "post_speaker_alone_timeout"
	ExitAdmissionFailed           ExitReason = "admission_failed"
	ExitAdmissionRejected         ExitReason = "rejected"
	ExitPlatformHandlerException  ExitReason = "platform_handler_exception"
	ExitUnknownPlatform           ExitReason = "unknown_platform"
	ExitSignalSIGTERM             ExitReason = "signal_sigterm"
	ExitSignalSIGINT              ExitReason = "signal_sigint"
	ExitHeartbeatLost             ExitReason = "heartbeat_lost"
)

// Completion reasons recorded on completed meetings.
const (
	CompletionStopped   = "stopped"
	CompletionLeftAlone = "left_alone"
)

// Failure stages recorded on failed meetings.
const (
	FailureStageSpawn         = "spawn"
	FailureStageAdmission     = "admission"
	FailureStagePlatform      = "platform"
	FailureStageSignal        = "signal"
	FailureStageHeartbeatLost = "heartbeat_lost"
	FailureStageConcurrency   = "concurrency"
)

// Terminal is the outcome of reducing a worker exit reason: the terminal
// status plus exactly one of CompletionReason or FailureStage.
type Terminal struct {
	Status           MeetingStatus
	CompletionReason string
	FailureStage     string
}

// ReduceExit maps a worker-reported exit reason onto the terminal status
// and annotation for the meeting. Every path that terminates a meeting
// funnels through this single table.
func ReduceExit(reason ExitReason) Terminal {
	switch reason {
	case ExitSelfInitiatedLeave, ExitSelfInitiatedLeaveBrowser, ExitNormalCompletion:
		return Terminal{Status: StatusCompleted, CompletionReason: CompletionStopped}
	case ExitLeftAlone, ExitStartupAloneTimeout, ExitPostSpeakerAloneTimeout:
		return Terminal{Status: StatusCompleted, CompletionReason: CompletionLeftAlone}
	case ExitAdmissionFailed, ExitAdmissionRejected:
		return Terminal{Status: StatusFailed, FailureStage: FailureStageAdmission}
	case ExitPlatformHandlerException, ExitUnknownPlatform:
		return Terminal{Status: StatusFailed, FailureStage: FailureStagePlatform}
	case ExitSignalSIGTERM, ExitSignalSIGINT:
		return Terminal{Status: StatusFailed, FailureStage: FailureStageSignal}
	case ExitHeartbeatLost:
		return Terminal{Status: StatusFailed, FailureStage: FailureStageHeartbeatLost}
	default:
		return Terminal{Status: StatusFailed, FailureStage: FailureStagePlatform}
	}
}

// ReduceExitCode maps a process exit code onto an exit reason for workers
// that die without reporting one. 0 is a normal leave; 130 and 143 are
// the conventional SIGINT and SIGTERM codes; 2 is a configuration error.
func ReduceExitCode(code int) ExitReason {
	switch code {
	case 0:
		return ExitNormalCompletion
	case 2:
		return ExitUnknownPlatform
	case 130:
		return ExitSignalSIGINT
	case 143:
		return ExitSignalSIGTERM
	default:
		return ExitPlatformHandlerException
	}
}
