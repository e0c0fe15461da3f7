package mux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/agentworkbench/internal/core/errkind"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	dockerImageName   = "agentworkbench:latest"
	dockerUser        = "1000"
	stopTimeoutSecs   = 10
	memoryLimitBytes  = 512 * 1024 * 1024
	cpuQuota          = 50000
	pidsLimit         = 256
	execDefaultCols   = 80
	execDefaultRows   = 24
	sessionLabelKey   = "agentworkbench.session"
)

// DockerAdapter implements Adapter by treating each mux "session" as a
// dedicated Docker container, and each session's one pane as an exec
// session attached to that container's shell. It is the backend of choice
// when the host has no tmux binary but does have a Docker daemon.
type DockerAdapter struct {
	cli     *client.Client
	runtime string
}

// NewDockerAdapter creates a Docker-backed Adapter using the ambient Docker
// client configuration (DOCKER_HOST, etc). runtime selects an alternate
// OCI runtime ("" for the daemon default, "runsc" for gVisor).
func NewDockerAdapter(runtime string) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errkind.Wrap(errkind.MuxFailure, "create docker client", err)
	}
	return &DockerAdapter{cli: cli, runtime: runtime}, nil
}

// HasSession reports whether a container named for this session exists and
// is running.
func (a *DockerAdapter) HasSession(ctx context.Context, name string) (bool, error) {
	inspect, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.MuxFailure, "inspect container "+name, err)
	}
	return inspect.State.Running, nil
}

// NewSession creates and starts a container bound to cwd as its working
// directory. Docker has no notion of an "initial command" separate from the
// container's own entrypoint, so initialCommand is exec'd once the
// container is up, mirroring what sendKeys would otherwise do.
func (a *DockerAdapter) NewSession(ctx context.Context, name, cwd, initialCommand string) error {
	cfg := &container.Config{
		Image:      dockerImageName,
		User:       dockerUser,
		WorkingDir: cwd,
		Tty:        true,
		Labels:     map[string]string{sessionLabelKey: name},
	}
	hostCfg := &container.HostConfig{
		Runtime: a.runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptrInt64(pidsLimit),
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return errkind.Wrap(errkind.MuxFailure, "create container "+name, err)
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := a.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			slog.Warn("cleanup after failed container start", "container", name, "error", rmErr)
		}
		return errkind.Wrap(errkind.MuxFailure, "start container "+name, err)
	}

	if initialCommand != "" {
		ref := PaneRef{Session: name, Pane: name}
		if err := a.SendKeys(ctx, ref, initialCommand, true); err != nil {
			return err
		}
	}

	slog.Info("docker mux session created", "name", name, "container_id", resp.ID)
	return nil
}

// KillSession stops and removes the session's container. Safe to call on an
// already-gone container.
func (a *DockerAdapter) KillSession(ctx context.Context, name string) error {
	if _, err := a.cli.ContainerInspect(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return errkind.Wrap(errkind.MuxFailure, "inspect container "+name, err)
	}

	timeout := stopTimeoutSecs
	if err := a.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("container stop returned error, continuing to remove", "name", name, "error", err)
	}
	if err := a.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return errkind.Wrap(errkind.MuxFailure, "remove container "+name, err)
	}
	return nil
}

// ListSessions returns the names of every container carrying the session
// label.
func (a *DockerAdapter) ListSessions(ctx context.Context) ([]string, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, errkind.Wrap(errkind.MuxFailure, "list containers", err)
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if _, ok := c.Labels[sessionLabelKey]; !ok {
			continue
		}
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}

// ListPanes returns a single PaneRef per session: Docker containers expose
// one exec-attachable shell, unlike tmux's multiple panes per session.
func (a *DockerAdapter) ListPanes(ctx context.Context, name string) ([]PaneRef, error) {
	running, err := a.HasSession(ctx, name)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, errkind.New(errkind.NotFound, "container "+name+" not running")
	}
	return []PaneRef{{Session: name, Pane: name}}, nil
}

// CapturePane returns the container's recent log output. Unlike tmux
// scrollback, this is whatever the container runtime retained on stdout.
func (a *DockerAdapter) CapturePane(ctx context.Context, ref PaneRef, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultCaptureLines
	}
	rc, err := a.cli.ContainerLogs(ctx, ref.Session, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	})
	if err != nil {
		return "", errkind.Wrap(errkind.MuxFailure, "container logs "+ref.Session, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", errkind.Wrap(errkind.MuxFailure, "read container logs "+ref.Session, err)
	}
	return string(data), nil
}

// SendKeys execs a one-shot shell command writing text to the container's
// running shell via stdin, preserving the exact byte sequence supplied.
func (a *DockerAdapter) SendKeys(ctx context.Context, ref PaneRef, text string, enter bool) error {
	if enter {
		text += "\n"
	}
	if text == "" {
		return nil
	}

	execCfg := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/sh", "-c", "cat >/proc/1/fd/0"},
		User:         dockerUser,
		ConsoleSize:  &[2]uint{execDefaultRows, execDefaultCols},
	}
	resp, err := a.cli.ContainerExecCreate(ctx, ref.Session, execCfg)
	if err != nil {
		return errkind.Wrap(errkind.MuxFailure, "create exec for send-keys on "+ref.Session, err)
	}
	attach, err := a.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return errkind.Wrap(errkind.MuxFailure, "attach exec for send-keys on "+ref.Session, err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write([]byte(text)); err != nil {
		return errkind.Wrap(errkind.MuxFailure, "write keys to "+ref.Session, err)
	}
	return nil
}

func ptrInt64(v int64) *int64 { return &v }
