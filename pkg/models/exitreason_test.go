package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduceExit(t *testing.T) {
	tests := []struct {
		reason ExitReason
		want   Terminal
	}{
		{ExitSelfInitiatedLeave, Terminal{Status: StatusCompleted, CompletionReason: CompletionStopped}},
		{ExitSelfInitiatedLeaveBrowser, Terminal{Status: StatusCompleted, CompletionReason: CompletionStopped}},
		{ExitNormalCompletion, Terminal{Status: StatusCompleted, CompletionReason: CompletionStopped}},
		{ExitLeftAlone, Terminal{Status: StatusCompleted, CompletionReason: CompletionLeftAlone}},
		{ExitStartupAloneTimeout, Terminal{Status: StatusCompleted, CompletionReason: CompletionLeftAlone}},
		{ExitPostSpeakerAloneTimeout, Terminal{Status: StatusCompleted, CompletionReason: CompletionLeftAlone}},
		{ExitAdmissionFailed, Terminal{Status: StatusFailed, FailureStage: FailureStageAdmission}},
		{ExitAdmissionRejected, Terminal{Status: StatusFailed, FailureStage: FailureStageAdmission}},
		{ExitPlatformHandlerException, Terminal{Status: StatusFailed, FailureStage: FailureStagePlatform}},
		{ExitUnknownPlatform, Terminal{Status: StatusFailed, FailureStage: FailureStagePlatform}},
		{ExitSignalSIGTERM, Terminal{Status: StatusFailed, FailureStage: FailureStageSignal}},
		{ExitSignalSIGINT, Terminal{Status: StatusFailed, FailureStage: FailureStageSignal}},
		{ExitHeartbeatLost, Terminal{Status: StatusFailed, FailureStage: FailureStageHeartbeatLost}},
		// Unrecognized reasons are platform failures, never silent completions.
		{ExitReason("exploded"), Terminal{Status: StatusFailed, FailureStage: FailureStagePlatform}},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, ReduceExit(tt.reason))
		})
	}
}

func TestReduceExitTerminalInvariant(t *testing.T) {
	// Exactly one of CompletionReason or FailureStage is set, matching the
	// terminal status.
	all := []ExitReason{
		ExitSelfInitiatedLeave, ExitSelfInitiatedLeaveBrowser, ExitNormalCompletion,
		ExitLeftAlone, ExitStartupAloneTimeout, ExitPostSpeakerAloneTimeout,
		ExitAdmissionFailed, ExitAdmissionRejected,
		ExitPlatformHandlerException, ExitUnknownPlatform,
		ExitSignalSIGTERM, ExitSignalSIGINT, ExitHeartbeatLost,
		ExitReason("garbage"),
	}
	for _, r := range all {
		term := ReduceExit(r)
		assert.True(t, term.Status.IsTerminal(), "reason %s", r)
		if term.Status == StatusCompleted {
			assert.NotEmpty(t, term.CompletionReason, "reason %s", r)
			assert.Empty(t, term.FailureStage, "reason %s", r)
		} else {
			assert.NotEmpty(t, term.FailureStage, "reason %s", r)
			assert.Empty(t, term.CompletionReason, "reason %s", r)
		}
	}
}

func TestReduceExitCode(t *testing.T) {
	tests := []struct {
		code int
		want ExitReason
	}{
		{0, ExitNormalCompletion},
		{1, ExitPlatformHandlerException},
		{2, ExitUnknownPlatform},
		{130, ExitSignalSIGINT},
		{143, ExitSignalSIGTERM},
		{137, ExitPlatformHandlerException},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReduceExitCode(tt.code), "exit code %d", tt.code)
	}
}
