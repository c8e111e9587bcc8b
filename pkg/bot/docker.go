package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
)

const (
	managedLabel   = "vexa.managed"
	meetingIDLabel = "vexa.meeting_id"
)

// DockerOrchestrator runs one container per meeting on a Docker engine.
type DockerOrchestrator struct {
	cli        client.APIClient
	image      string
	network    string
	maxWorkers int
	leave      LeaveFunc
	logger     *slog.Logger
}

// LeaveFunc publishes a leave command for a meeting; used as the soft
// half of Stop before the substrate-level kill.
type LeaveFunc func(ctx context.Context, meetingID int64) error

var _ Orchestrator = (*DockerOrchestrator)(nil)

// NewDockerOrchestrator connects to the local Docker engine.
// maxWorkers <= 0 disables the quota.
func NewDockerOrchestrator(image, network string, maxWorkers int, leave LeaveFunc, logger *slog.Logger) (*DockerOrchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}
	return &DockerOrchestrator{
		cli:        cli,
		image:      image,
		network:    network,
		maxWorkers: maxWorkers,
		leave:      leave,
		logger:     logger.With("component", "docker_orchestrator"),
	}, nil
}

// NewDockerOrchestratorWithClient wires an existing API client (tests).
func NewDockerOrchestratorWithClient(cli client.APIClient, image, network string, maxWorkers int, leave LeaveFunc, logger *slog.Logger) *DockerOrchestrator {
	return &DockerOrchestrator{
		cli:        cli,
		image:      image,
		network:    network,
		maxWorkers: maxWorkers,
		leave:      leave,
		logger:     logger.With("component", "docker_orchestrator"),
	}
}

// Start creates and starts the meeting's container. The full worker
// configuration travels as one JSON blob in the environment.
func (d *DockerOrchestrator) Start(ctx context.Context, spec StartSpec) (string, error) {
	if d.maxWorkers > 0 {
		workers, err := d.List(ctx)
		if err != nil {
			return "", err
		}
		running := 0
		for _, w := range workers {
			if w.State == StateRunning {
				running++
			}
		}
		if running >= d.maxWorkers {
			return "", fmt.Errorf("%w: %d workers running", ErrQuotaExceeded, running)
		}
	}

	blob, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("bot: encode worker config: %w", err)
	}

	name := fmt.Sprintf("vexa-bot-%d-%s", spec.MeetingID, uuid.NewString()[:8])
	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: d.image,
			Env: []string{
				"BOT_CONFIG=" + string(blob),
				"BOT_TOKEN=" + spec.Token,
			},
			Labels: map[string]string{
				managedLabel:   "true",
				meetingIDLabel: strconv.FormatInt(spec.MeetingID, 10),
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(d.network),
		},
		nil, nil, name)
	if err != nil {
		return "", d.mapError(err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", d.mapError(err)
	}

	d.logger.Info("Worker container started",
		"meeting_id", spec.MeetingID, "container_id", created.ID[:12], "name", name)
	return created.ID, nil
}

// Stop publishes a leave command and hard-kills the container after the
// grace window. The kill is a no-op if the worker exited on its own.
func (d *DockerOrchestrator) Stop(ctx context.Context, workerRef string, grace time.Duration) error {
	if meetingID, ok := d.meetingIDOf(ctx, workerRef); ok && d.leave != nil {
		if err := d.leave(ctx, meetingID); err != nil {
			d.logger.Warn("Leave publish failed, will hard-stop after grace",
				"worker_ref", workerRef, "error", err)
		}
	}

	// The grace timer must outlive ctx: the stop is typically initiated
	// by an HTTP request whose context is canceled as soon as the
	// response is written, long before the grace window elapses.
	time.AfterFunc(grace, func() {
		killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Kill(killCtx, workerRef); err != nil {
			d.logger.Warn("Fallback kill failed", "worker_ref", workerRef, "error", err)
		}
	})
	return nil
}

// Kill terminates the container immediately and removes it.
func (d *DockerOrchestrator) Kill(ctx context.Context, workerRef string) error {
	timeout := 0
	err := d.cli.ContainerStop(ctx, workerRef, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("bot: stop container: %w", err)
	}
	err = d.cli.ContainerRemove(ctx, workerRef, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("bot: remove container: %w", err)
	}
	return nil
}

// Inspect reports the container's state.
func (d *DockerOrchestrator) Inspect(ctx context.Context, workerRef string) (WorkerState, error) {
	resp, err := d.cli.ContainerInspect(ctx, workerRef)
	if errdefs.IsNotFound(err) {
		return StateMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: inspect: %w", ErrSubstrateUnavailable, err)
	}
	if resp.State != nil && resp.State.Running {
		return StateRunning, nil
	}
	return StateExited, nil
}

// List returns all managed worker containers, running or exited.
func (d *DockerOrchestrator) List(ctx context.Context) ([]Worker, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrSubstrateUnavailable, err)
	}

	out := make([]Worker, 0, len(containers))
	for _, c := range containers {
		meetingID, _ := strconv.ParseInt(c.Labels[meetingIDLabel], 10, 64)
		state := StateExited
		if c.State == container.StateRunning {
			state = StateRunning
		}
		out = append(out, Worker{Ref: c.ID, MeetingID: meetingID, State: state})
	}
	return out, nil
}

func (d *DockerOrchestrator) meetingIDOf(ctx context.Context, workerRef string) (int64, bool) {
	resp, err := d.cli.ContainerInspect(ctx, workerRef)
	if err != nil || resp.Config == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(resp.Config.Labels[meetingIDLabel], 10, 64)
	return id, err == nil
}

func (d *DockerOrchestrator) mapError(err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: image %s: %w", ErrBadImage, d.image, err)
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %w", ErrSubstrateUnavailable, err)
	}
	return fmt.Errorf("bot: start container: %w", err)
}
