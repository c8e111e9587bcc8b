package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ProcessOrchestrator runs one child process per meeting. The pid table
// is persisted so that a restarted orchestrator can recognize workers
// that died while it was down.
type ProcessOrchestrator struct {
	command    string
	workDir    string
	statePath  string
	maxWorkers int
	leave      LeaveFunc
	onExit     ExitFunc
	logger     *slog.Logger

	mu      sync.Mutex
	workers map[string]*procEntry // keyed by worker ref
}

type procEntry struct {
	Ref       string `json:"ref"`
	MeetingID int64  `json:"meeting_id"`
	PID       int    `json:"pid"`

	cmd      *exec.Cmd
	state    WorkerState
	exitCode int
}

var _ Orchestrator = (*ProcessOrchestrator)(nil)

// NewProcessOrchestrator loads the persisted pid table and probes each
// recorded worker. Workers whose process is gone surface as missing from
// Inspect until the lifecycle manager reconciles them away.
func NewProcessOrchestrator(command, workDir, statePath string, maxWorkers int, leave LeaveFunc, logger *slog.Logger) (*ProcessOrchestrator, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: no worker command configured", ErrSubstrateUnavailable)
	}
	p := &ProcessOrchestrator{
		command:    command,
		workDir:    workDir,
		statePath:  statePath,
		maxWorkers: maxWorkers,
		leave:      leave,
		logger:     logger.With("component", "process_orchestrator"),
		workers:    make(map[string]*procEntry),
	}
	if err := p.loadState(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetExitHandler registers the callback invoked when a child exits.
func (p *ProcessOrchestrator) SetExitHandler(fn ExitFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// Start forks the worker process with its configuration in the
// environment, and begins reaping it in the background.
func (p *ProcessOrchestrator) Start(ctx context.Context, spec StartSpec) (string, error) {
	blob, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("bot: encode worker config: %w", err)
	}

	p.mu.Lock()
	if p.maxWorkers > 0 {
		running := 0
		for _, e := range p.workers {
			if e.state == StateRunning {
				running++
			}
		}
		if running >= p.maxWorkers {
			p.mu.Unlock()
			return "", fmt.Errorf("%w: %d workers running", ErrQuotaExceeded, running)
		}
	}
	p.mu.Unlock()

	cmd := exec.Command(p.command)
	cmd.Dir = p.workDir
	cmd.Env = append(os.Environ(),
		"BOT_CONFIG="+string(blob),
		"BOT_TOKEN="+spec.Token,
	)
	// Own process group, so a kill never reaches the orchestrator.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s: %w", ErrSubstrateUnavailable, p.command, err)
		}
		return "", fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}

	ref := fmt.Sprintf("proc-%d-%d", spec.MeetingID, cmd.Process.Pid)
	entry := &procEntry{
		Ref:       ref,
		MeetingID: spec.MeetingID,
		PID:       cmd.Process.Pid,
		cmd:       cmd,
		state:     StateRunning,
	}

	p.mu.Lock()
	p.workers[ref] = entry
	p.persistLocked()
	p.mu.Unlock()

	go p.reap(entry)

	p.logger.Info("Worker process started",
		"meeting_id", spec.MeetingID, "pid", cmd.Process.Pid)
	return ref, nil
}

// reap waits for the child and surfaces its exit code.
func (p *ProcessOrchestrator) reap(entry *procEntry) {
	err := entry.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Shell convention: 128 + signal number (143 for
				// SIGTERM, 130 for SIGINT).
				exitCode = 128 + int(ws.Signal())
			}
		} else {
			exitCode = 1
		}
	}

	p.mu.Lock()
	entry.state = StateExited
	entry.exitCode = exitCode
	onExit := p.onExit
	p.persistLocked()
	p.mu.Unlock()

	p.logger.Info("Worker process exited",
		"meeting_id", entry.MeetingID, "pid", entry.PID, "exit_code", exitCode)
	if onExit != nil {
		onExit(entry.MeetingID, exitCode)
	}
}

// Stop publishes a leave command, then sends SIGTERM after the grace
// window. The reap goroutine reports the resulting exit.
func (p *ProcessOrchestrator) Stop(ctx context.Context, workerRef string, grace time.Duration) error {
	p.mu.Lock()
	entry, ok := p.workers[workerRef]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if p.leave != nil {
		if err := p.leave(ctx, entry.MeetingID); err != nil {
			p.logger.Warn("Leave publish failed, will terminate after grace",
				"worker_ref", workerRef, "error", err)
		}
	}

	// The grace timer must outlive ctx: the stop is typically initiated
	// by an HTTP request whose context is canceled as soon as the
	// response is written, long before the grace window elapses.
	time.AfterFunc(grace, func() {
		p.mu.Lock()
		stillRunning := entry.state == StateRunning
		p.mu.Unlock()
		if stillRunning {
			_ = syscall.Kill(entry.PID, syscall.SIGTERM)
		}
	})
	return nil
}

// Kill sends SIGKILL immediately.
func (p *ProcessOrchestrator) Kill(ctx context.Context, workerRef string) error {
	p.mu.Lock()
	entry, ok := p.workers[workerRef]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if entry.state == StateRunning {
		if err := syscall.Kill(entry.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("bot: kill pid %d: %w", entry.PID, err)
		}
	}
	return nil
}

// Inspect reports a worker's state.
func (p *ProcessOrchestrator) Inspect(ctx context.Context, workerRef string) (WorkerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerRef]
	if !ok {
		return StateMissing, nil
	}
	return entry.state, nil
}

// List returns the pid table's view of all workers.
func (p *ProcessOrchestrator) List(ctx context.Context) ([]Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, 0, len(p.workers))
	for _, e := range p.workers {
		out = append(out, Worker{Ref: e.Ref, MeetingID: e.MeetingID, State: e.state})
	}
	return out, nil
}

// ExitCode returns the recorded exit code for an exited worker.
func (p *ProcessOrchestrator) ExitCode(workerRef string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.workers[workerRef]
	if !ok || entry.state != StateExited {
		return 0, false
	}
	return entry.exitCode, true
}

// loadState reads the persisted pid table. Entries whose process no
// longer exists become missing; a live pid cannot be re-adopted (the
// Wait handle is lost across restarts) so it is terminated and the
// meeting reconciled by the lifecycle manager.
func (p *ProcessOrchestrator) loadState() error {
	if p.statePath == "" {
		return nil
	}
	raw, err := os.ReadFile(p.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bot: read pid table: %w", err)
	}

	var entries []*procEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("bot: decode pid table: %w", err)
	}

	for _, e := range entries {
		if processAlive(e.PID) {
			_ = syscall.Kill(e.PID, syscall.SIGKILL)
			p.logger.Warn("Killed orphaned worker from previous run",
				"meeting_id", e.MeetingID, "pid", e.PID)
		}
		e.state = StateMissing
		p.workers[e.Ref] = e
	}
	return nil
}

func (p *ProcessOrchestrator) persistLocked() {
	if p.statePath == "" {
		return
	}
	entries := make([]*procEntry, 0, len(p.workers))
	for _, e := range p.workers {
		if e.state == StateRunning {
			entries = append(entries, e)
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		p.logger.Error("Failed to encode pid table", "error", err)
		return
	}
	tmp := p.statePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.statePath), 0o755); err != nil {
		p.logger.Error("Failed to create pid table dir", "error", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		p.logger.Error("Failed to write pid table", "error", err)
		return
	}
	if err := os.Rename(tmp, p.statePath); err != nil {
		p.logger.Error("Failed to replace pid table", "error", err)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Forget drops an exited or missing worker from the table once the
// lifecycle manager has consumed its exit.
func (p *ProcessOrchestrator) Forget(workerRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerRef]; ok && e.state != StateRunning {
		delete(p.workers, workerRef)
		p.persistLocked()
	}
}
