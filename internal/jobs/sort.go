package jobs

import (
	"sort"

	"github.com/matthiasmullie/pypelines-go/internal/workflows"
)

// sortJobsStable reproduces the original stable-comparator ordering:
// x sorts before y if x is a dependency of y (and vice versa), and
// ties break by ascending dependency count. It produces a valid
// topological order for acyclic DAGs whose depth is consistent with
// fan-in, but does not itself detect cycles.
func sortJobsStable(jobSpecs map[string]workflows.JobSpec) []string {
	names := make([]string, 0, len(jobSpecs))
	for name := range jobSpecs {
		names = append(names, name)
	}

	less := func(x, y string) bool {
		xDeps := jobSpecs[x].Needs
		yDeps := jobSpecs[y].Needs
		if contains(yDeps, x) {
			return true
		}
		if contains(xDeps, y) {
			return false
		}
		return len(xDeps) < len(yDeps)
	}

	sort.SliceStable(names, func(i, j int) bool { return less(names[i], names[j]) })
	return names
}

func contains(list workflows.StringList, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// sortJobsKahn is the deterministic Kahn-sort alternative: a full
// topological sort with ties broken by job name, and explicit cycle
// detection (spec's runner MUST detect cycles; the stable comparator
// above cannot). This is the ordering the runner uses by default.
func sortJobsKahn(jobSpecs map[string]workflows.JobSpec) ([]string, error) {
	indegree := make(map[string]int, len(jobSpecs))
	dependents := make(map[string][]string, len(jobSpecs))

	for name, spec := range jobSpecs {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range spec.Needs {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var ordered []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		children := append([]string(nil), dependents[next]...)
		sort.Strings(children)
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(ordered) != len(jobSpecs) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Jobs: stuck}
	}

	return ordered, nil
}
