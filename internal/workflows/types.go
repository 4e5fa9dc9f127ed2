// Package workflows implements the workflow registry: manifest types,
// schema validation, and YAML loading.
package workflows

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowId is the manifest's path.
type WorkflowId = string

// Workflow is the parsed manifest: triggers paired with a job DAG.
type Workflow struct {
	Name string                 `yaml:"name,omitempty" json:"name,omitempty"`
	On   map[string]interface{} `yaml:"on" json:"on"`
	Jobs map[string]JobSpec     `yaml:"jobs" json:"jobs"`
}

// JobSpec is one node of the job DAG.
type JobSpec struct {
	RunsOn string      `yaml:"runs-on" json:"runs-on"`
	Needs  StringList  `yaml:"needs,omitempty" json:"needs,omitempty"`
	Steps  []StepSpec  `yaml:"steps" json:"steps"`
}

// StepSpec is a single step inside a job. Run holds either a shell
// string or an argv list: both branches have different shelling
// behavior and must be preserved verbatim, see RunSpec.
type StepSpec struct {
	Name string      `yaml:"name,omitempty" json:"name,omitempty"`
	Run  RunSpec     `yaml:"run,omitempty" json:"run,omitempty"`
	If   interface{} `yaml:"if,omitempty" json:"if,omitempty"`
}

// StringList normalizes YAML's "single scalar OR list of scalars" shape
// (used for `needs`) into a Go slice: needs is either a single job name
// or a list, normalized here to a list.
type StringList []string

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = StringList(list)
		return nil
	case 0:
		*s = nil
		return nil
	default:
		return fmt.Errorf("needs must be a string or a list of strings")
	}
}

func (s StringList) MarshalYAML() (interface{}, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

// RunSpec preserves whether `run` was written as a shell string or an
// argv list; the job runner shells the former and exec's the latter
// with no shell.
type RunSpec struct {
	IsList bool
	Shell  string
	Argv   []string
}

func (r RunSpec) Empty() bool {
	return !r.IsList && r.Shell == "" && len(r.Argv) == 0
}

func (r *RunSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*r = RunSpec{IsList: false, Shell: s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*r = RunSpec{IsList: true, Argv: list}
		return nil
	case 0:
		*r = RunSpec{}
		return nil
	default:
		return fmt.Errorf("run must be a string or a list of strings")
	}
}

func (r RunSpec) MarshalYAML() (interface{}, error) {
	if r.IsList {
		return r.Argv, nil
	}
	return r.Shell, nil
}

// ErrValidation indicates a workflow manifest failed schema validation.
var ErrValidation = errors.New("workflow validation failed")

// SchemaError wraps a schema validation failure.
type SchemaError struct {
	Issues []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Issues)
}

func (e *SchemaError) Unwrap() error {
	return ErrValidation
}

// ParseError wraps a YAML parse failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse workflow %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
