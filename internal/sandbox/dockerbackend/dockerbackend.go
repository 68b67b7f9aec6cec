// Package dockerbackend implements the sandbox driver capability (C4)
// by running each submission inside a short-lived Docker container:
// read-only rootfs, no network, and memory/CPU limits enforced through
// the container's HostConfig.
package dockerbackend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/itskum47/crucible/internal/sandbox"
)

// Driver runs submissions as Docker containers.
type Driver struct {
	cli *client.Client
}

func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// imageFor maps a language tag to the container image that runs it.
// Languages not listed here have no docker profile; Create rejects
// them with sandbox.ErrUnsupportedLanguage.
func imageFor(language string) (string, []string, bool) {
	switch language {
	case "python":
		return "python:3.12-slim", []string{"python3", "-c"}, true
	case "node":
		return "node:20-slim", []string{"node", "-e"}, true
	default:
		return "", nil, false
	}
}

func (d *Driver) Create(ctx context.Context, code, language string, limits sandbox.Limits) (*sandbox.Handle, error) {
	image, entrypoint, ok := imageFor(language)
	if !ok {
		return nil, sandbox.ErrUnsupportedLanguage
	}

	cfg := &container.Config{
		Image:           image,
		Cmd:             append(entrypoint, code),
		NetworkDisabled: true,
		Tty:             false,
	}
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			NanoCPUs: int64(limits.CPUCores * 1e9),
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: "/tmp"},
		},
		SecurityOpt: []string{"no-new-privileges"},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrResourceExhausted, err)
	}
	return &sandbox.Handle{Backend: "docker", SandboxID: resp.ID}, nil
}

func (d *Driver) Start(ctx context.Context, h *sandbox.Handle) error {
	return d.cli.ContainerStart(ctx, h.SandboxID, container.StartOptions{})
}

func (d *Driver) Wait(ctx context.Context, h *sandbox.Handle, timeout time.Duration) (sandbox.WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.cli.ContainerWait(waitCtx, h.SandboxID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if waitCtx.Err() != nil {
			_ = d.Kill(ctx, h)
			return sandbox.WaitResult{Reason: sandbox.ReasonTimeout}, nil
		}
		return sandbox.WaitResult{}, err
	case st := <-statusCh:
		reason := sandbox.ReasonNormal
		if st.StatusCode == 137 {
			reason = sandbox.ReasonOOM
		}
		return sandbox.WaitResult{ExitCode: int(st.StatusCode), Reason: reason}, nil
	case <-waitCtx.Done():
		_ = d.Kill(ctx, h)
		return sandbox.WaitResult{Reason: sandbox.ReasonTimeout}, nil
	}
}

func (d *Driver) StreamLogs(ctx context.Context, h *sandbox.Handle) (<-chan []byte, error) {
	rc, err := d.cli.ContainerLogs(ctx, h.SandboxID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return nil, fmt.Errorf("stream logs: %w", err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer rc.Close()
		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err == io.EOF || err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (d *Driver) Kill(ctx context.Context, h *sandbox.Handle) error {
	err := d.cli.ContainerKill(ctx, h.SandboxID, "SIGKILL")
	if err != nil && client.IsErrNotFound(err) {
		return nil // idempotent
	}
	return err
}

func (d *Driver) Destroy(ctx context.Context, h *sandbox.Handle) error {
	err := d.cli.ContainerRemove(ctx, h.SandboxID, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil // must succeed even if already destroyed
	}
	return err
}

func (d *Driver) Alive(ctx context.Context, h *sandbox.Handle) bool {
	inspect, err := d.cli.ContainerInspect(ctx, h.SandboxID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}
