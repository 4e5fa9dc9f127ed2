// Package driver discovers workflow manifests on disk and registers
// them with the coordinator: the system directory once at startup, the
// user directory on a poll loop. System workflows are mounted the user
// and example directories so they can manage user workflows; user
// workflows get no volumes of their own, so a user-authored workflow
// can't use that mount to write new triggers back into itself.
package driver

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/matthiasmullie/pypelines-go/internal/logging"
	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

// Registrar is the one coordinator operation the driver needs; taking
// this narrow interface rather than *coordinator.Coordinator keeps
// manifest discovery testable without an embedded-NATS substrate.
type Registrar interface {
	RegisterWorkflow(ctx context.Context, id workflows.WorkflowId, wf *workflows.Workflow, volumes map[string]string) error
}

// Driver owns manifest discovery: it loads the system directory once,
// then polls the user directory for files modified since the last
// check, registering each onto the coordinator.
type Driver struct {
	Coordinator Registrar
	Loader      *workflows.Loader

	SystemDir    string
	UserDir      string
	ExampleDir   string
	PollInterval time.Duration

	// SystemVolumes is attached to every workflow registered from
	// SystemDir: it exposes UserDir (mounted at /workflows) and
	// ExampleDir (mounted at /workflows_example), so a system workflow
	// can watch for and copy in new user workflows.
	//
	// UserVolumes is attached to every workflow registered from UserDir
	// and is always empty — exposing the user-workflows directory to a
	// user-authored workflow would let it write its own triggers back
	// into itself, a vector for abuse.
	SystemVolumes map[string]string
	UserVolumes   map[string]string
}

// New builds a Driver over fs, polling UserDir every pollInterval
// (the config's default is 60 seconds). systemVolumes and userVolumes are
// the host-path -> container-path bind mounts attached to workflows
// registered from each directory respectively; pass nil for userVolumes
// to keep user workflows sandboxed away from the user-workflows
// directory itself.
func New(coord Registrar, fs afero.Fs, systemDir, userDir, exampleDir string, pollInterval time.Duration, systemVolumes, userVolumes map[string]string) *Driver {
	return &Driver{
		Coordinator:   coord,
		Loader:        workflows.NewLoader(fs),
		SystemDir:     systemDir,
		UserDir:       userDir,
		ExampleDir:    exampleDir,
		PollInterval:  pollInterval,
		SystemVolumes: systemVolumes,
		UserVolumes:   userVolumes,
	}
}

// Run loads the system directory once, then polls the user directory
// on PollInterval until ctx is cancelled. It never returns an error of
// its own — registration failures are logged and skipped per-workflow,
// matching the registry's own failure-isolation contract.
func (d *Driver) Run(ctx context.Context) error {
	d.registerAll(ctx, d.SystemDir, d.SystemVolumes)

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	lastPoll := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			since := lastPoll
			lastPoll = time.Now()
			d.registerModifiedSince(ctx, d.UserDir, since, d.UserVolumes)
		}
	}
}

func (d *Driver) registerAll(ctx context.Context, dir string, volumes map[string]string) {
	files, loadErrs := d.Loader.LoadDir(dir)
	for _, loadErr := range loadErrs {
		logging.Error("driver: %v", loadErr)
	}
	d.registerFiles(ctx, files, volumes)
}

func (d *Driver) registerModifiedSince(ctx context.Context, dir string, since time.Time, volumes map[string]string) {
	files, loadErrs := d.Loader.ModifiedSince(dir, since)
	for _, loadErr := range loadErrs {
		logging.Error("driver: %v", loadErr)
	}
	d.registerFiles(ctx, files, volumes)
}

func (d *Driver) registerFiles(ctx context.Context, files []workflows.File, volumes map[string]string) {
	for _, f := range files {
		attemptID := uuid.NewString()
		if err := d.Coordinator.RegisterWorkflow(ctx, f.Path, f.Workflow, volumes); err != nil {
			logging.Error("driver[%s]: failed to register %q: %v", attemptID, f.Path, err)
			continue
		}
		logging.Info("driver[%s]: registered workflow %q", attemptID, f.Path)
	}
}
