// Package compose is a thin facade over the orchestration runtime (the
// docker compose CLI) used to spawn, restart, and query the operator's
// workload. It translates the runtime operations of C5–C8 (health monitor,
// update pipeline, signal channel, controller) into supervisor (C1) calls.
package compose

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Will-Luck/fblaster/internal/supervisor"
)

// Runtime drives `docker compose` against a fixed derived manifest in dir.
type Runtime struct {
	Dir          string
	ManifestPath string
}

// New creates a Runtime bound to the derived manifest at manifestPath.
func New(dir, manifestPath string) *Runtime {
	return &Runtime{Dir: dir, ManifestPath: manifestPath}
}

func (r *Runtime) argv(args ...string) []string {
	return append([]string{"docker", "compose", "-f", r.ManifestPath}, args...)
}

// Up spawns the orchestration child in the foreground, returning its
// handle. The caller owns waiting on or shutting down the handle.
func (r *Runtime) Up() (*supervisor.Handle, error) {
	return supervisor.Spawn(r.argv("up"), r.Dir)
}

// ContainerID resolves the container id backing service, or "" if the
// service has no running container yet.
func (r *Runtime) ContainerID(ctx context.Context, service string) (string, error) {
	return supervisor.CaptureStdout(ctx, r.argv("ps", "-q", service), r.Dir)
}

// RestartService restarts a single service in place, waiting up to timeout
// for it to stop before force-killing.
func (r *Runtime) RestartService(ctx context.Context, service string, timeout time.Duration) error {
	argv := r.argv("restart", "-t", strconv.Itoa(int(timeout.Seconds())), service)
	h, err := supervisor.Spawn(argv, r.Dir)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- h.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop issues a defensive stop after the child has already been shut down
// gracefully: the child often leaves residuals that a plain process
// signal does not reap.
func (r *Runtime) Stop(ctx context.Context) error {
	h, err := supervisor.Spawn(r.argv("stop"), r.Dir)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- h.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login authenticates the orchestration runtime against registryHost so
// that subsequent pulls from private images succeed, mirroring
// "docker login --username ... --password-stdin".
func Login(ctx context.Context, registryHost, username, secret string) error {
	argv := []string{"docker", "login", registryHost, "--username", username, "--password-stdin"}
	return supervisor.RunWithStdin(ctx, argv, "", strings.NewReader(secret))
}

// KillSignal delivers signal to containerName via the orchestration
// runtime's "kill --signal" facility, used by --signal-poll to poke a
// running peer.
func KillSignal(ctx context.Context, containerName, signal string) error {
	argv := []string{"docker", "kill", fmt.Sprintf("--signal=%s", signal), containerName}
	_, err := supervisor.CaptureStdout(ctx, argv, "")
	return err
}
