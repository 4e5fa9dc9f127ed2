package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

const sampleManifest = `
on:
  limit: 3
jobs:
  echo:
    runs-on: alpine
    steps:
      - run: echo ${{ index }}
`

// fakeRegistrar records every RegisterWorkflow call, including the
// volumes it was registered with.
type fakeRegistrar struct {
	mu       sync.Mutex
	attempts []workflows.WorkflowId
	volumes  map[workflows.WorkflowId]map[string]string
	fail     map[workflows.WorkflowId]bool
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		volumes: map[workflows.WorkflowId]map[string]string{},
		fail:    map[workflows.WorkflowId]bool{},
	}
}

func (f *fakeRegistrar) RegisterWorkflow(ctx context.Context, id workflows.WorkflowId, wf *workflows.Workflow, volumes map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return assert.AnError
	}
	f.attempts = append(f.attempts, id)
	f.volumes[id] = volumes
	return nil
}

func (f *fakeRegistrar) seen() []workflows.WorkflowId {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]workflows.WorkflowId, len(f.attempts))
	copy(out, f.attempts)
	return out
}

func (f *fakeRegistrar) volumesFor(id workflows.WorkflowId) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[id]
}

func TestDriverRegistersSystemWorkflowsOnceAtStartup(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/system/build.yaml", []byte(sampleManifest), 0o644))

	reg := newFakeRegistrar()
	d := New(reg, fs, "/system", "/user", "/example", time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	assert.Equal(t, []workflows.WorkflowId{"/system/build.yaml"}, reg.seen())
}

func TestDriverPollsUserDirForNewlyModifiedFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	reg := newFakeRegistrar()
	d := New(reg, fs, "/system", "/user", "/example", 30*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, afero.WriteFile(fs, "/user/late.yaml", []byte(sampleManifest), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.seen()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Contains(t, reg.seen(), workflows.WorkflowId("/user/late.yaml"))
}

func TestDriverSkipsAndLogsRegistrationFailuresWithoutAborting(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/system/bad.yaml", []byte(sampleManifest), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/system/good.yaml", []byte(sampleManifest), 0o644))

	reg := newFakeRegistrar()
	reg.fail["/system/bad.yaml"] = true
	d := New(reg, fs, "/system", "/user", "/example", time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	assert.Equal(t, []workflows.WorkflowId{"/system/good.yaml"}, reg.seen())
}

// TestDriverExposesUserAndExampleDirsOnlyToSystemWorkflows guards the
// abuse-vector fix: system workflows get the volumes that let them
// manage user workflows, user workflows get none.
func TestDriverExposesUserAndExampleDirsOnlyToSystemWorkflows(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/system/bootstrap.yaml", []byte(sampleManifest), 0o644))

	reg := newFakeRegistrar()
	systemVolumes := map[string]string{"/user": "/workflows", "/example": "/workflows_example"}
	d := New(reg, fs, "/system", "/user", "/example", 30*time.Millisecond, systemVolumes, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, afero.WriteFile(fs, "/user/new.yaml", []byte(sampleManifest), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.seen()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, systemVolumes, reg.volumesFor("/system/bootstrap.yaml"))
	assert.Empty(t, reg.volumesFor("/user/new.yaml"))
}
