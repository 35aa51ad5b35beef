package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Labels put on every container so leftovers can be found after a crash.
const (
	LabelManaged = "runmeter.managed"
	LabelPhase   = "runmeter.phase"
)

const maxOutputFileSize = 20 * 1024 * 1024

// DockerRuntime implements Runtime against the Docker Engine API. Podman's
// Docker-compatible socket is served by the same client.
type DockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime connects to the daemon at host, or to the one described by
// the DOCKER_* environment when host is empty.
func NewDockerRuntime(logger *zap.Logger, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Create creates and starts a detached container. A container that fails to
// start is removed before returning.
func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg := buildContainerConfig(spec)
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container", shortID(resp.ID)), zap.String("warning", w))
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if rmErr := d.Remove(rmCtx, resp.ID); rmErr != nil {
			d.logger.Error("failed to remove unstarted container", zap.String("container", shortID(resp.ID)), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}
	return resp.ID, nil
}

// Wait blocks until the container stops and returns its exit code.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// Logs returns stdout and stderr interleaved in the order they were written,
// cut at limit bytes.
func (d *DockerRuntime) Logs(ctx context.Context, id string, limit int64) (Output, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return Output{}, err
	}
	defer reader.Close()
	return demuxOutput(reader, limit)
}

// Stats takes a single non-streaming stats snapshot.
func (d *DockerRuntime) Stats(ctx context.Context, id string) (*Snapshot, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeSnapshot(resp.Body)
}

// Kill sends SIGKILL to the container.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "SIGKILL")
}

// Remove force-removes the container. Removing a container that is already
// gone is not an error.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Ping checks that the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// EnsureImage pulls ref unless it is already present locally.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	d.logger.Info("pulling image", zap.String("image", ref))
	out, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer out.Close()

	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// ReapOrphans removes containers left behind by an earlier process.
func (d *DockerRuntime) ReapOrphans(ctx context.Context) (int, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("container list failed: %w", err)
	}

	removed := 0
	for _, ctr := range containers {
		if err := d.Remove(ctx, ctr.ID); err != nil {
			d.logger.Warn("failed to remove orphaned container", zap.String("container", shortID(ctr.ID)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Close releases the client's connections.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func buildContainerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	networkMode := "none"
	if spec.Limits.NetworkEnabled {
		networkMode = "bridge"
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      spec.WorkDir,
		Tty:             false,
		NetworkDisabled: !spec.Limits.NetworkEnabled,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelPhase:   spec.Phase,
		},
	}

	resources := container.Resources{
		Memory:   spec.Limits.MemoryBytes,
		NanoCPUs: spec.Limits.NanoCPUs,
		Ulimits: []*units.Ulimit{
			{Name: "nofile", Soft: 256, Hard: 512},
			{Name: "core", Soft: 0, Hard: 0},
			// largest file the program may create
			{Name: "fsize", Soft: maxOutputFileSize, Hard: maxOutputFileSize},
		},
	}
	if spec.Limits.MemoryBytes > 0 {
		resources.MemorySwap = spec.Limits.MemoryBytes
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  false,
		Binds:       binds,
		NetworkMode: container.NetworkMode(networkMode),
		Resources:   resources,
		SecurityOpt: []string{"no-new-privileges"},
	}
	return cfg, hostCfg
}

func decodeSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &snap, nil
}
