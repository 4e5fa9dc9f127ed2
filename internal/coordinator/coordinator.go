// Package coordinator registers workflows, deduplicates emitter
// workers across workflows, fans out events through three tiers of
// work-queues, and owns cleanup of finished work. It is the one
// subsystem that ties the expression evaluator, the job runner, the
// emitter contract, and the queue/KV substrate together.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matthiasmullie/pypelines-go/internal/emitter"
	"github.com/matthiasmullie/pypelines-go/internal/expr"
	"github.com/matthiasmullie/pypelines-go/internal/jobs"
	"github.com/matthiasmullie/pypelines-go/internal/logging"
	"github.com/matthiasmullie/pypelines-go/internal/substrate"
	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

var (
	runIDMu  sync.Mutex
	runIDSrc = ulid.Monotonic(rand.Reader, 0)
)

// newRunID generates a sortable-by-creation-time identifier for one
// job-DAG run, so log lines from the same run_jobs invocation can be
// grepped together without threading a request ID through every call.
func newRunID() string {
	runIDMu.Lock()
	defer runIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), runIDSrc).String()
}

const (
	workflowKeyPrefix   = "workflow:"
	emitterKeyPrefix    = "emitterkey:"
	subscriptionsPrefix = "subs:"
)

// workflowRecord is what register_workflow stores in the KV store
// under the workflow's manifest path: the parsed workflow plus the
// volumes every job-DAG run for it should bind-mount.
type workflowRecord struct {
	Workflow *workflows.Workflow
	Volumes  map[string]string
}

// emitterTask is the run_emitter payload enqueued on the emitter
// queue: enough to both dequeue-side reconstruct the concrete emitter
// from its identity tag and recompute the EmitterKey to pull the
// current subscription list.
type emitterTask struct {
	EventName  string
	Identity   string
	WorkerArgs interface{}
}

// eventTask is the run_event payload enqueued on the event queue, once
// per emitted EventArgs.
type eventTask struct {
	EventName   string
	Identity    string
	WorkflowIds []string
	EventArgs   interface{}
}

// jobTask is the run_jobs payload enqueued on the job queue: the full
// workflow record plus the environment seeded from one event.
type jobTask struct {
	RunID      string
	WorkflowId workflows.WorkflowId
	Workflow   workflows.Workflow
	Env        map[string]interface{}
	Volumes    map[string]string
}

// JobResult is what OnRunJobs receives after one job-DAG run completes
// (successfully or not) — an observability hook, not part of the
// queue contract itself; nothing downstream depends on it running.
type JobResult struct {
	RunID      string
	WorkflowId workflows.WorkflowId
	Output     map[string]interface{}
	Err        error
}

// Coordinator owns the emitter registry, the substrate connection, and
// the job runner. It has no other mutable state of its own — all
// shared state lives in the substrate KV store, per the "global
// process-wide registries fold into a record passed explicitly through
// call sites" design decision.
type Coordinator struct {
	Substrate    *substrate.Engine
	Emitters     map[string]emitter.Emitter
	Jobs         *jobs.Runner
	PruneTimeout string

	// OnRunJobs, if set, is invoked after every run_jobs completes.
	// Tests use it to observe outcomes without parsing log output;
	// production wiring leaves it nil.
	OnRunJobs func(JobResult)
}

// New builds a Coordinator over the given substrate connection and job
// runner, registering each emitter under its own Identity().
func New(sub *substrate.Engine, runner *jobs.Runner, pruneTimeout string, emitters ...emitter.Emitter) *Coordinator {
	registry := make(map[string]emitter.Emitter, len(emitters))
	for _, e := range emitters {
		registry[e.Identity()] = e
	}
	return &Coordinator{Substrate: sub, Emitters: registry, Jobs: runner, PruneTimeout: pruneTimeout}
}

// RegisterWorkflow is idempotent: re-registering the same id overwrites
// the stored record. For every trigger it hasn't seen before (by
// EmitterKey) it enqueues exactly one run_emitter task; for every
// trigger, seen or not, it appends id to that key's subscription list
// (list-append is itself idempotent — see substrate.Engine.ListAppend).
func (c *Coordinator) RegisterWorkflow(ctx context.Context, id workflows.WorkflowId, wf *workflows.Workflow, volumes map[string]string) error {
	if err := c.Substrate.PutJSON(ctx, workflowKeyPrefix+id, workflowRecord{Workflow: wf, Volumes: volumes}); err != nil {
		return fmt.Errorf("coordinator: failed to store workflow %q: %w", id, err)
	}

	for eventName, cfg := range wf.On {
		em, ok := c.Emitters[eventName]
		if !ok {
			return &UnknownEmitterError{EventName: eventName}
		}

		args, err := em.WorkerConfig(eventName, cfg)
		if err != nil {
			return &ConfigError{WorkflowId: id, EventName: eventName, Err: err}
		}

		key := Fingerprint(em.Identity(), args)

		existed, err := c.Substrate.Exists(ctx, emitterKeyPrefix+key)
		if err != nil {
			return fmt.Errorf("coordinator: failed to check emitter key %q: %w", key, err)
		}
		if !existed {
			if err := c.Substrate.Put(ctx, emitterKeyPrefix+key, "1"); err != nil {
				return fmt.Errorf("coordinator: failed to lock emitter key %q: %w", key, err)
			}
			task := emitterTask{EventName: eventName, Identity: em.Identity(), WorkerArgs: args}
			if err := c.Substrate.EnqueueJSON(ctx, substrate.EmitterQueue, task); err != nil {
				return fmt.Errorf("coordinator: failed to enqueue emitter task for %q: %w", key, err)
			}
		}

		if err := c.Substrate.ListAppend(ctx, subscriptionsPrefix+key, string(id)); err != nil {
			return fmt.Errorf("coordinator: failed to record subscription for %q: %w", key, err)
		}
	}

	return nil
}

// RunEmitter is the emitter-queue worker body: it iterates the
// emitter's event stream for as long as the process runs, re-pulling
// the current subscription list for every emitted event rather than
// once at start — register_workflow's own append can still be racing
// with this worker's very first event, and a workflow may subscribe to
// an already-running emitter later, so a one-time pull would miss
// both. It returns when Events' channel closes (cancellation) or when
// Events reports an EmitterFailure, which it logs; neither is retried.
func (c *Coordinator) RunEmitter(ctx context.Context, task emitterTask) {
	em, ok := c.Emitters[task.Identity]
	if !ok {
		logging.Error("run_emitter: unknown emitter identity %q", task.Identity)
		return
	}

	key := Fingerprint(task.Identity, task.WorkerArgs)

	for event := range em.Events(ctx, task.WorkerArgs) {
		if event.Err != nil {
			logging.Error("run_emitter: emitter %q failed: %v", task.Identity, event.Err)
			return
		}

		workflowIds, err := c.Substrate.ListRange(ctx, subscriptionsPrefix+key)
		if err != nil {
			logging.Error("run_emitter: failed to read subscriptions for %q: %v", key, err)
			continue
		}
		if len(workflowIds) == 0 {
			continue
		}

		outgoing := eventTask{
			EventName:   task.EventName,
			Identity:    task.Identity,
			WorkflowIds: workflowIds,
			EventArgs:   event.Args,
		}
		if err := c.Substrate.EnqueueJSON(ctx, substrate.EventQueue, outgoing); err != nil {
			logging.Error("run_emitter: failed to enqueue event task: %v", err)
		}
	}
}

// RunEvent is the event-queue worker body: for each subscribed
// workflow it fetches the current record, shapes the payload through
// that workflow's own config, and enqueues a run_jobs task — unless
// the workflow was unregistered since, or the emitter rejects the
// event for this workflow (NotSatisfiedError / FilterRejectedError,
// both expected and silently skipped).
func (c *Coordinator) RunEvent(ctx context.Context, task eventTask) {
	em, ok := c.Emitters[task.Identity]
	if !ok {
		logging.Error("run_event: unknown emitter identity %q", task.Identity)
		return
	}

	for _, workflowId := range task.WorkflowIds {
		var record workflowRecord
		found, err := c.Substrate.GetJSON(ctx, workflowKeyPrefix+workflowId, &record)
		if err != nil {
			logging.Error("run_event: failed to load workflow %q: %v", workflowId, err)
			continue
		}
		if !found {
			continue
		}

		cfg := record.Workflow.On[task.EventName]
		payload, err := em.Payload(cfg, task.EventArgs)
		if err != nil {
			logging.Debug("run_event: workflow %q event %q rejected: %v", workflowId, task.EventName, err)
			continue
		}

		env := expr.Assign(task.EventName, payload, expr.Env{})
		job := jobTask{RunID: newRunID(), WorkflowId: workflows.WorkflowId(workflowId), Workflow: *record.Workflow, Env: env, Volumes: record.Volumes}
		if err := c.Substrate.EnqueueJSON(ctx, substrate.JobQueue, job); err != nil {
			logging.Error("run_event: failed to enqueue job task for %q: %v", workflowId, err)
		}
	}
}

// RunJobs is the job-queue worker body: prune (if configured), then
// delegate to the job runner.
func (c *Coordinator) RunJobs(ctx context.Context, task jobTask) {
	if c.PruneTimeout != "" {
		if err := c.Jobs.Clean(ctx, c.PruneTimeout); err != nil {
			logging.Error("run_jobs[%s]: prune failed: %v", task.RunID, err)
		}
	}

	logging.Debug("run_jobs[%s]: starting workflow %q", task.RunID, task.WorkflowId)
	output, err := c.Jobs.Run(ctx, task.Workflow.Jobs, expr.Env(task.Env), task.Volumes)
	if err != nil {
		logging.Error("run_jobs[%s]: %v", task.RunID, err)
	} else {
		logging.Debug("run_jobs[%s]: completed with outputs %v", task.RunID, output)
	}
	if c.OnRunJobs != nil {
		c.OnRunJobs(JobResult{RunID: task.RunID, WorkflowId: task.WorkflowId, Output: output, Err: err})
	}
}

// Start launches the three queue-consumer loops, each decoding its
// task payload and dispatching to the matching worker body. It blocks
// until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	errs := make(chan error, 3)

	go func() {
		errs <- c.Substrate.Consume(ctx, substrate.EmitterQueue, func(ctx context.Context, payload []byte) {
			var task emitterTask
			if err := json.Unmarshal(payload, &task); err != nil {
				logging.Error("run_emitter: malformed task: %v", err)
				return
			}
			c.RunEmitter(ctx, task)
		})
	}()

	go func() {
		errs <- c.Substrate.Consume(ctx, substrate.EventQueue, func(ctx context.Context, payload []byte) {
			var task eventTask
			if err := json.Unmarshal(payload, &task); err != nil {
				logging.Error("run_event: malformed task: %v", err)
				return
			}
			c.RunEvent(ctx, task)
		})
	}()

	go func() {
		errs <- c.Substrate.Consume(ctx, substrate.JobQueue, func(ctx context.Context, payload []byte) {
			var task jobTask
			if err := json.Unmarshal(payload, &task); err != nil {
				logging.Error("run_jobs: malformed task: %v", err)
				return
			}
			c.RunJobs(ctx, task)
		})
	}()

	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}
