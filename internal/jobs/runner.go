package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/matthiasmullie/pypelines-go/internal/expr"
	"github.com/matthiasmullie/pypelines-go/internal/logging"
	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

// Runner topologically orders a job DAG, launches one container per
// job, runs its steps in sequence, and guarantees container teardown.
type Runner struct {
	Engine Engine
}

func NewRunner(engine Engine) *Runner {
	return &Runner{Engine: engine}
}

// Run executes jobSpecs against an initial environment, returning the
// last-step stdout of every job that completed successfully. volumes
// is host-path -> container-path, attached as a bind mount on every
// container this run launches. A job failure is logged and does not
// abort the run; anything depending on it fails at the dependency
// check instead. A job that fails because ctx was cancelled is not
// logged as a job failure: Run stops and returns ctx's error along
// with the outputs gathered so far.
func (r *Runner) Run(ctx context.Context, jobSpecs map[string]workflows.JobSpec, env expr.Env, volumes map[string]string) (map[string]interface{}, error) {
	order, err := sortJobsKahn(jobSpecs)
	if err != nil {
		return nil, err
	}

	output := make(map[string]interface{})
	data := expr.Env{}
	for k, v := range env {
		data[k] = v
	}

	binds := make([]VolumeBind, 0, len(volumes))
	for src, dst := range volumes {
		binds = append(binds, VolumeBind{Src: realVolumePath(src), Dst: dst})
	}

	for _, name := range order {
		spec := jobSpecs[name]

		if err := requireDependencies(name, spec, data); err != nil {
			logging.Error("job %q: %v", name, err)
			continue
		}

		result, err := r.runJob(ctx, name, spec, data, binds)
		if err != nil {
			if ctx.Err() != nil {
				return output, ctx.Err()
			}
			logging.Error("job %q failed: %v", name, err)
			continue
		}

		data = expr.Assign(name, result, data)
		output[name] = result
	}

	return output, nil
}

func requireDependencies(name string, spec workflows.JobSpec, data expr.Env) error {
	for _, dep := range spec.Needs {
		if _, ok := data[dep]; !ok {
			return &UnmetDependencyError{Job: name, Dependency: dep}
		}
	}
	return nil
}

func (r *Runner) runJob(ctx context.Context, name string, spec workflows.JobSpec, data expr.Env, binds []VolumeBind) (string, error) {
	if len(spec.Steps) == 0 {
		return "", nil
	}

	containerID, err := r.Engine.Run(ctx, spec.RunsOn, binds)
	if err != nil {
		return "", &ContainerFailure{Job: name, Err: err}
	}
	defer func() {
		if err := r.Engine.Remove(ctx, containerID); err != nil {
			logging.Error("job %q: failed to remove container %s: %v", name, containerID, err)
		}
	}()

	jobData := expr.Env{}
	for k, v := range data {
		jobData[k] = v
	}

	var stepOutput string
	for _, step := range spec.Steps {
		stepOutput, err = r.runStep(ctx, containerID, step, jobData)
		if err != nil {
			return "", &ContainerFailure{Job: name, Err: err}
		}
		jobData = expr.Assign(name, stepOutput, jobData)
	}

	return stepOutput, nil
}

func (r *Runner) runStep(ctx context.Context, containerID string, step workflows.StepSpec, data expr.Env) (string, error) {
	if step.If != nil {
		satisfied, err := expr.Evaluate(step.If, data)
		if err != nil {
			return "", err
		}
		if !expr.Truthy(satisfied) {
			return "", nil
		}
	}

	if step.Run.Empty() {
		return "", nil
	}

	var argv []string
	if step.Run.IsList {
		argv = make([]string, len(step.Run.Argv))
		for i, arg := range step.Run.Argv {
			interpolated, err := expr.Interpolate(arg, data)
			if err != nil {
				return "", err
			}
			argv[i] = interpolated
		}
	} else {
		interpolated, err := expr.Interpolate(step.Run.Shell, data)
		if err != nil {
			return "", err
		}
		argv = []string{"sh", "-c", interpolated}
	}

	out, err := r.Engine.Exec(ctx, containerID, argv)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

// Clean invokes the engine's prune-with-age primitive; the coordinator
// calls this before every job-DAG run when a prune timeout is
// configured.
func (r *Runner) Clean(ctx context.Context, age string) error {
	if age == "" {
		return nil
	}
	if err := r.Engine.Prune(ctx, age); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	return nil
}
