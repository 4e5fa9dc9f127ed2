// Package expr implements the embedded expression grammar used by job
// step conditions, run-argument interpolation, and SSE filters.
// Expressions are evaluated through go.starlark.net: its parser and
// tree-walking interpreter give us short-circuiting booleans,
// arithmetic, indexing, and list/dict literals for free, while a
// restricted predeclared environment keeps the set of resolvable names
// to exactly an allow-list — nothing from Starlark's own universe
// (print, fail, range, sorted, getattr, ...) is reachable.
package expr

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

var restrictOnce sync.Once
var allowListed starlark.StringDict

// ensureRestrictedUniverse clears Starlark's package-wide Universe (which
// otherwise predeclares print/fail/range/sorted/getattr/hasattr/dir/...)
// and builds the allow-list below as a predeclared environment merged
// into every evaluation instead. This runs once per
// process; Starlark's own init() has already populated starlark.Universe
// with its default builtins by the time this package initializes, so we
// can harvest the pure ones we want before wiping the rest.
func ensureRestrictedUniverse() {
	restrictOnce.Do(func() {
		keep := []string{
			"None", "True", "False",
			"abs", "bool", "dict", "float", "hash", "int", "len",
			"list", "max", "min", "str", "tuple", "type",
		}
		base := make(starlark.StringDict, len(keep)+4)
		for _, name := range keep {
			if v, ok := starlark.Universe[name]; ok {
				base[name] = v
			}
		}
		if v, ok := starlark.Universe["set"]; ok {
			base["set"] = v
		} else {
			base["set"] = starlark.NewBuiltin("set", builtinSet)
		}
		base["round"] = starlark.NewBuiltin("round", builtinRound)
		base["sum"] = starlark.NewBuiltin("sum", builtinSum)
		base["json"] = jsonModule()
		base["re"] = reModule()

		allowListed = base

		// Nothing resolves through Starlark's universe anymore; every
		// name an expression can reach comes from allowListed or the
		// caller-supplied Env.
		starlark.Universe = starlark.StringDict{}
	})
}

// Evaluate evaluates expr, which is either a single expression string or
// a tree of strings nested inside lists, against env. Nested lists are
// joined by level-alternating connectives: the outermost list is OR'ed,
// one level down is AND'ed, the next is OR'ed, and so on.
func Evaluate(expression interface{}, env Env) (interface{}, error) {
	source, err := stringify(expression, 0)
	if err != nil {
		return nil, wrapError(fmt.Sprint(expression), err)
	}
	return evalString(source, env)
}

func stringify(expression interface{}, depth int) (string, error) {
	switch v := expression.(type) {
	case string:
		return v, nil
	case []interface{}:
		glue := "or"
		if depth%2 == 1 {
			glue = "and"
		}
		parts := make([]string, len(v))
		for i, item := range v {
			s, err := stringify(item, depth+1)
			if err != nil {
				return "", err
			}
			parts[i] = s
		}
		return "(" + strings.Join(parts, ") "+glue+" (") + ")", nil
	case []string:
		generic := make([]interface{}, len(v))
		for i, s := range v {
			generic[i] = s
		}
		return stringify(generic, depth)
	default:
		return "", fmt.Errorf("expression must be a string or a nested list of strings, got %T", expression)
	}
}

func evalString(source string, env Env) (interface{}, error) {
	ensureRestrictedUniverse()

	thread := &starlark.Thread{Name: "expr"}
	thread.SetMaxExecutionSteps(100000)

	predeclared := make(starlark.StringDict, len(allowListed)+len(env))
	for k, v := range allowListed {
		predeclared[k] = v
	}
	for k, v := range toStarlarkEnv(env) {
		predeclared[k] = v
	}

	opts := &syntax.FileOptions{}
	parsed, err := opts.ParseExpr("expression", source, 0)
	if err != nil {
		return nil, wrapError(source, err)
	}

	result, err := starlark.EvalExprOptions(opts, thread, parsed, predeclared)
	if err != nil {
		return nil, wrapError(source, err)
	}

	return starlarkToGo(result), nil
}

// interpolationPattern matches ${{ EXPR }}, trimming whitespace around
// EXPR; this mirrors original_source/expressions.py exactly, including
// its non-greedy-to-first-"}}" limitation on expressions that themselves
// contain "}}".
var interpolationPattern = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)

// Interpolate replaces every ${{ EXPR }} occurrence in template with
// str(Evaluate(EXPR, env)). Occurrences are independent; a template with
// no ${{ sequences is returned unchanged.
func Interpolate(template string, env Env) (string, error) {
	var firstErr error
	result := interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := interpolationPattern.FindStringSubmatch(match)
		value, err := Evaluate(sub[1], env)
		if err != nil {
			firstErr = err
			return match
		}
		return stringifyValue(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Truthy applies Python-style truthiness to an evaluated value: used
// by `if` conditions, where a bare string or number result (not just a
// boolean comparison) must still gate step execution sensibly.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
