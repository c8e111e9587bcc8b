package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script to act as the worker.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newProcOrchestrator(t *testing.T, command string, maxWorkers int, leave LeaveFunc) *ProcessOrchestrator {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "workers.json")
	p, err := NewProcessOrchestrator(command, "", statePath, maxWorkers, leave, slog.Default())
	require.NoError(t, err)
	return p
}

func TestProcessStartAndNormalExit(t *testing.T) {
	script := writeScript(t, `test -n "$BOT_CONFIG" || exit 2
exit 0`)
	p := newProcOrchestrator(t, script, 0, nil)

	exits := make(chan int, 1)
	p.SetExitHandler(func(meetingID int64, exitCode int) {
		assert.Equal(t, int64(42), meetingID)
		exits <- exitCode
	})

	ref, err := p.Start(context.Background(), StartSpec{MeetingID: 42, Token: "tok"})
	require.NoError(t, err)

	select {
	case code := <-exits:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	state, err := p.Inspect(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StateExited, state)

	code, ok := p.ExitCode(ref)
	require.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestProcessConfigBlob(t *testing.T) {
	// The worker sees its full configuration as one JSON env blob.
	out := filepath.Join(t.TempDir(), "config.json")
	script := writeScript(t, fmt.Sprintf(`printf '%%s' "$BOT_CONFIG" > %s`, out))
	p := newProcOrchestrator(t, script, 0, nil)

	exits := make(chan int, 1)
	p.SetExitHandler(func(_ int64, code int) { exits <- code })

	_, err := p.Start(context.Background(), StartSpec{
		MeetingID:      7,
		MeetingURL:     "https://meet.google.com/abc-defg-hij",
		SessionUID:     "sess-1",
		CommandChannel: "bot_commands:meeting:7",
	})
	require.NoError(t, err)

	select {
	case <-exits:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var spec StartSpec
	require.NoError(t, json.Unmarshal(raw, &spec))
	assert.Equal(t, int64(7), spec.MeetingID)
	assert.Equal(t, "bot_commands:meeting:7", spec.CommandChannel)
}

func TestProcessKillSurfacesSignalCode(t *testing.T) {
	script := writeScript(t, "sleep 60")
	p := newProcOrchestrator(t, script, 0, nil)

	exits := make(chan int, 1)
	p.SetExitHandler(func(_ int64, code int) { exits <- code })

	ref, err := p.Start(context.Background(), StartSpec{MeetingID: 1})
	require.NoError(t, err)
	require.NoError(t, p.Kill(context.Background(), ref))

	select {
	case code := <-exits:
		assert.Equal(t, 137, code) // 128 + SIGKILL
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after kill")
	}
}

func TestProcessStopTerminatesAfterGrace(t *testing.T) {
	script := writeScript(t, "sleep 60")
	var leaveCalled int64
	leave := func(ctx context.Context, meetingID int64) error {
		leaveCalled = meetingID
		return nil
	}
	p := newProcOrchestrator(t, script, 0, leave)

	exits := make(chan int, 1)
	p.SetExitHandler(func(_ int64, code int) { exits <- code })

	ref, err := p.Start(context.Background(), StartSpec{MeetingID: 9})
	require.NoError(t, err)
	require.NoError(t, p.Stop(context.Background(), ref, 50*time.Millisecond))

	select {
	case code := <-exits:
		assert.Equal(t, 143, code) // 128 + SIGTERM
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after stop")
	}
	assert.Equal(t, int64(9), leaveCalled)
}

func TestProcessStopGraceSurvivesCanceledContext(t *testing.T) {
	// Stop is called with a request-scoped context that dies as soon as
	// the response is written; the grace-kill must still fire.
	script := writeScript(t, "sleep 60")
	p := newProcOrchestrator(t, script, 0, nil)

	exits := make(chan int, 1)
	p.SetExitHandler(func(_ int64, code int) { exits <- code })

	ref, err := p.Start(context.Background(), StartSpec{MeetingID: 11})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Stop(ctx, ref, 50*time.Millisecond))
	cancel()

	select {
	case code := <-exits:
		assert.Equal(t, 143, code) // 128 + SIGTERM
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not terminated after the grace window")
	}
}

func TestProcessQuota(t *testing.T) {
	script := writeScript(t, "sleep 60")
	p := newProcOrchestrator(t, script, 1, nil)

	ref, err := p.Start(context.Background(), StartSpec{MeetingID: 1})
	require.NoError(t, err)

	_, err = p.Start(context.Background(), StartSpec{MeetingID: 2})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, p.Kill(context.Background(), ref))
}

func TestProcessMissingCommand(t *testing.T) {
	p := newProcOrchestrator(t, "/nonexistent/worker", 0, nil)
	_, err := p.Start(context.Background(), StartSpec{MeetingID: 1})
	assert.ErrorIs(t, err, ErrSubstrateUnavailable)
}

func TestProcessRestartMarksDeadWorkersMissing(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "workers.json")

	// A previous run recorded a worker whose process is long gone.
	stale := []map[string]any{
		{"ref": "proc-5-999999", "meeting_id": 5, "pid": 999999},
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, raw, 0o644))

	script := writeScript(t, "exit 0")
	p, err := NewProcessOrchestrator(script, "", statePath, 0, nil, slog.Default())
	require.NoError(t, err)

	state, err := p.Inspect(context.Background(), "proc-5-999999")
	require.NoError(t, err)
	assert.Equal(t, StateMissing, state)

	workers, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, int64(5), workers[0].MeetingID)
	assert.Equal(t, StateMissing, workers[0].State)

	// Reconciliation consumed the exit; the entry can be dropped.
	p.Forget("proc-5-999999")
	workers, err = p.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}
