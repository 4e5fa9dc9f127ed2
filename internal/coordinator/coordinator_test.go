package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthiasmullie/pypelines-go/internal/emitter"
	"github.com/matthiasmullie/pypelines-go/internal/jobs"
	"github.com/matthiasmullie/pypelines-go/internal/substrate"
	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

// fakeEngine records invocations and scripts exec output, standing in
// for a real container runtime (mirrors internal/jobs' test double).
type fakeEngine struct {
	mu         sync.Mutex
	nextID     int
	removed    []string
	execOutput map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{execOutput: map[string]string{}}
}

func (f *fakeEngine) Run(ctx context.Context, image string, binds []jobs.VolumeBind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("container-%d", f.nextID), nil
}

// Exec simulates just enough of a shell to make "echo ..." steps
// useful as DAG-propagation fixtures, since the interpolated commands
// these tests exercise vary per run (e.g. the limit emitter's index)
// and can't be pre-scripted by exact argv like internal/jobs' fixture
// tests do.
func (f *fakeEngine) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.execOutput[fmt.Sprint(argv)]; ok {
		return out + "\n", nil
	}
	if len(argv) == 3 && argv[0] == "sh" && argv[1] == "-c" && strings.HasPrefix(argv[2], "echo ") {
		return strings.TrimPrefix(argv[2], "echo ") + "\n", nil
	}
	return "ok\n", nil
}

func (f *fakeEngine) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) Prune(ctx context.Context, age string) error { return nil }

// resultCollector gathers JobResult callbacks in arrival order, for
// tests that don't care about ordering across workflows.
type resultCollector struct {
	mu      sync.Mutex
	results []JobResult
}

func (r *resultCollector) onRunJobs(res JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultCollector) snapshot() []JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JobResult, len(r.results))
	copy(out, r.results)
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *resultCollector, context.Context, context.CancelFunc) {
	t.Helper()
	sub, err := substrate.NewEmbeddedEngineForTests()
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	engine := newFakeEngine()
	runner := jobs.NewRunner(engine)

	collector := &resultCollector{}
	coord := New(sub, runner, "", emitter.NewLimit(), emitter.NewSchedule(), emitter.NewSSE(sub))
	coord.OnRunJobs = collector.onRunJobs

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Start(ctx)

	return coord, collector, ctx, cancel
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLimitFanOutProducesThreeRuns(t *testing.T) {
	c, results, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	wf := &workflows.Workflow{
		On: map[string]interface{}{"limit": 3},
		Jobs: map[string]workflows.JobSpec{
			"echo": {
				RunsOn: "alpine",
				Steps: []workflows.StepSpec{
					{Run: workflows.RunSpec{Shell: "echo ${{ payload.index }}"}},
				},
			},
		},
	}

	require.NoError(t, c.RegisterWorkflow(ctx, "wf-limit", wf, nil))

	waitFor(t, 3*time.Second, func() bool {
		return len(results.snapshot()) >= 3
	})

	seen := map[string]bool{}
	for _, r := range results.snapshot() {
		require.NoError(t, r.Err)
		seen[fmt.Sprint(r.Output["echo"])] = true
	}
	assert.True(t, seen["0"])
	assert.True(t, seen["1"])
	assert.True(t, seen["2"])
}

func TestDAGPropagationCarriesJobOutputForward(t *testing.T) {
	c, results, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	wf := &workflows.Workflow{
		On: map[string]interface{}{"limit": 1},
		Jobs: map[string]workflows.JobSpec{
			"a": {
				RunsOn: "alpine",
				Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo hi"}}},
			},
			"b": {
				RunsOn: "alpine",
				Needs:  workflows.StringList{"a"},
				Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo ${{ a }}"}}},
			},
		},
	}

	require.NoError(t, c.RegisterWorkflow(ctx, "wf-dag", wf, nil))

	waitFor(t, 3*time.Second, func() bool { return len(results.snapshot()) >= 1 })

	res := results.snapshot()[0]
	require.NoError(t, res.Err)
	assert.Equal(t, "hi", res.Output["a"])
	assert.Equal(t, "hi", res.Output["b"])
}

func TestSSEJSONFilterDropsNonMatchingPayloadsSilently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"var\":\"value\"}\n\n")
		fmt.Fprint(w, "id: 2\nevent: message\ndata: {\"var\":\"nope\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	c, results, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	wf := &workflows.Workflow{
		On: map[string]interface{}{
			"sse": map[string]interface{}{
				"stream": server.URL,
				"format": "json",
				"filter": `sse["var"] == "value"`,
			},
		},
		Jobs: map[string]workflows.JobSpec{
			"handle": {
				RunsOn: "alpine",
				Steps:  []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo matched"}}},
			},
		},
	}

	require.NoError(t, c.RegisterWorkflow(ctx, "wf-sse", wf, nil))

	waitFor(t, 3*time.Second, func() bool { return len(results.snapshot()) >= 1 })
	// give the rejected second event a chance to (not) produce a run
	time.Sleep(300 * time.Millisecond)

	snap := results.snapshot()
	assert.Len(t, snap, 1, "the filtered-out event must never reach run_jobs")
}

func TestDedupSharesOneEmitterWorkerAcrossWorkflows(t *testing.T) {
	c, results, ctx, cancel := newTestCoordinator(t)
	defer cancel()

	wfA := &workflows.Workflow{
		On: map[string]interface{}{"limit": 1},
		Jobs: map[string]workflows.JobSpec{
			"j": {RunsOn: "alpine", Steps: []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo a"}}}},
		},
	}
	wfB := &workflows.Workflow{
		On: map[string]interface{}{"limit": 1},
		Jobs: map[string]workflows.JobSpec{
			"j": {RunsOn: "alpine", Steps: []workflows.StepSpec{{Run: workflows.RunSpec{Shell: "echo b"}}}},
		},
	}

	require.NoError(t, c.RegisterWorkflow(ctx, "wf-a", wfA, nil))
	require.NoError(t, c.RegisterWorkflow(ctx, "wf-b", wfB, nil))

	key := Fingerprint("limit", 1)
	list, err := c.Substrate.ListRange(ctx, subscriptionsPrefix+key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wf-a", "wf-b"}, list)

	waitFor(t, 3*time.Second, func() bool { return len(results.snapshot()) >= 2 })
	ids := map[string]bool{}
	for _, r := range results.snapshot() {
		ids[string(r.WorkflowId)] = true
	}
	assert.True(t, ids["wf-a"])
	assert.True(t, ids["wf-b"])
}
