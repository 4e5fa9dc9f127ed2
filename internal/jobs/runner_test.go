package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/matthiasmullie/pypelines-go/internal/expr"
	"github.com/matthiasmullie/pypelines-go/internal/workflows"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine records every invocation and scripts exec output per
// container, standing in for a real container runtime in tests.
type fakeEngine struct {
	mu         sync.Mutex
	nextID     int
	running    map[string]bool
	removed    []string
	execOutput map[string]string
	failRun    bool
	failExec   map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running:    map[string]bool{},
		execOutput: map[string]string{},
		failExec:   map[string]bool{},
	}
}

func (f *fakeEngine) Run(ctx context.Context, image string, binds []VolumeBind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRun {
		return "", fmt.Errorf("run failed")
	}
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.running[id] = true
	return id, nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failExec[containerID] {
		return "", fmt.Errorf("exec failed")
	}
	joined := fmt.Sprint(argv)
	if out, ok := f.execOutput[joined]; ok {
		return out + "\n", nil
	}
	return "ok\n", nil
}

func (f *fakeEngine) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) Prune(ctx context.Context, age string) error {
	return nil
}

func TestRunExecutesJobsInDependencyOrderWithDataFlow(t *testing.T) {
	engine := newFakeEngine()
	engine.execOutput["[sh -c echo build-output]"] = "build-output"
	engine.execOutput["[sh -c echo got build-output]"] = "echoed"

	jobSpecs := map[string]workflows.JobSpec{
		"build": {
			RunsOn: "golang:1.24",
			Steps: []workflows.StepSpec{
				{Run: workflows.RunSpec{Shell: "echo build-output"}},
			},
		},
		"test": {
			RunsOn: "golang:1.24",
			Needs:  workflows.StringList{"build"},
			Steps: []workflows.StepSpec{
				{Run: workflows.RunSpec{Shell: "echo got ${{ build }}"}},
			},
		},
	}

	runner := NewRunner(engine)
	output, err := runner.Run(context.Background(), jobSpecs, expr.Env{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "build-output", output["build"])
	assert.Len(t, engine.removed, 2)
}

func TestRunSkipsJobWhenDependencyUnmet(t *testing.T) {
	engine := newFakeEngine()
	engine.failRun = true

	jobSpecs := map[string]workflows.JobSpec{
		"build": {
			RunsOn: "golang:1.24",
			Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo x"}}},
		},
		"test": {
			RunsOn: "golang:1.24",
			Needs:  workflows.StringList{"build"},
			Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo y"}}},
		},
	}

	runner := NewRunner(engine)
	output, err := runner.Run(context.Background(), jobSpecs, expr.Env{}, nil)
	require.NoError(t, err)
	assert.Empty(t, output)
}

func TestRunSkipsStepWhenIfIsFalsy(t *testing.T) {
	engine := newFakeEngine()

	jobSpecs := map[string]workflows.JobSpec{
		"build": {
			RunsOn: "golang:1.24",
			Steps: []workflows.StepSpec{
				{Run: workflows.RunSpec{Shell: "echo should-not-run"}, If: "1 == 2"},
			},
		},
	}

	runner := NewRunner(engine)
	output, err := runner.Run(context.Background(), jobSpecs, expr.Env{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", output["build"])
}

func TestRunTeardownHappensEvenOnExecFailure(t *testing.T) {
	engine := newFakeEngine()

	jobSpecs := map[string]workflows.JobSpec{
		"build": {
			RunsOn: "golang:1.24",
			Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo x"}}},
		},
	}

	runner := NewRunner(engine)
	engine.failExec["container-1"] = true
	_, err := runner.Run(context.Background(), jobSpecs, expr.Env{}, nil)
	require.NoError(t, err)
	assert.Len(t, engine.removed, 1)
}
