// Package jobs implements the job DAG runner: topological ordering,
// per-job container lifecycle, and inter-job data flow through the
// expression environment.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Engine is the container engine contract: four subprocess primitives,
// kept opaque on purpose. The only implementation shipped is a thin
// wrapper over the `docker` CLI binary — the runner never imports a
// container engine SDK, since the wire contract here is the CLI
// invocation itself, not an API response shape.
type Engine interface {
	// Run launches a detached, interactive container from image with
	// the given bind mounts and returns its container ID.
	Run(ctx context.Context, image string, binds []VolumeBind) (string, error)
	// Exec runs argv inside containerID and returns captured stdout.
	Exec(ctx context.Context, containerID string, argv []string) (string, error)
	// Remove force-removes containerID, best-effort.
	Remove(ctx context.Context, containerID string) error
	// Prune removes resources untouched for longer than age (e.g. "24h").
	Prune(ctx context.Context, age string) error
}

// VolumeBind is one host-path -> container-path mount.
type VolumeBind struct {
	Src string
	Dst string
}

// CLIEngine shells out to the `docker` binary using exactly the four
// invocations this system requires: run -d -i [-v ...], exec -i,
// rm -f, system prune -f until=.
type CLIEngine struct {
	// Binary is the executable name or path; defaults to "docker".
	Binary string
}

func NewCLIEngine() *CLIEngine {
	return &CLIEngine{Binary: "docker"}
}

func (e *CLIEngine) binary() string {
	if e.Binary == "" {
		return "docker"
	}
	return e.Binary
}

func (e *CLIEngine) Run(ctx context.Context, image string, binds []VolumeBind) (string, error) {
	args := []string{"run", "-d", "-i"}
	for _, b := range binds {
		args = append(args, "-v", fmt.Sprintf("%s:%s", b.Src, b.Dst))
	}
	args = append(args, image)

	out, err := e.run(ctx, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

func (e *CLIEngine) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	args := append([]string{"exec", "-i", containerID}, argv...)
	return e.run(ctx, args)
}

func (e *CLIEngine) Remove(ctx context.Context, containerID string) error {
	_, err := e.run(ctx, []string{"rm", "-f", containerID})
	return err
}

func (e *CLIEngine) Prune(ctx context.Context, age string) error {
	_, err := e.run(ctx, []string{"system", "prune", "-f", fmt.Sprintf("until=%s", age)})
	return err
}

func (e *CLIEngine) run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", e.binary(), strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}
