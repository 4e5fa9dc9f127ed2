package jobs

import "fmt"

// UnmetDependencyError is raised when a job's declared dependency never
// bound output in the environment, because it failed or was skipped.
type UnmetDependencyError struct {
	Job        string
	Dependency string
}

func (e *UnmetDependencyError) Error() string {
	return fmt.Sprintf("job %q: dependency %q not fulfilled", e.Job, e.Dependency)
}

// CycleError is raised when the job DAG contains a cycle; the whole
// run is aborted rather than skipping the offending job.
type CycleError struct {
	Jobs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("job graph has a cycle involving: %v", e.Jobs)
}

// ContainerFailure wraps any failure launching, exec'ing into, or
// tearing down a job's container.
type ContainerFailure struct {
	Job string
	Err error
}

func (e *ContainerFailure) Error() string {
	return fmt.Sprintf("job %q: container failure: %v", e.Job, e.Err)
}

func (e *ContainerFailure) Unwrap() error {
	return e.Err
}
