package expr

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// attrDict exposes a Go map[string]interface{} to Starlark both as a
// dict (env["key"]) and via dotted attribute access (env.key), mirroring
// how event payloads and job outputs are read inside expressions.
type attrDict struct {
	dict *starlark.Dict
}

var (
	_ starlark.Value    = (*attrDict)(nil)
	_ starlark.Mapping   = (*attrDict)(nil)
	_ starlark.HasAttrs  = (*attrDict)(nil)
	_ starlark.Iterable  = (*attrDict)(nil)
	_ starlark.Comparable = (*attrDict)(nil)
)

func newAttrDict(data map[string]interface{}) *attrDict {
	dict := starlark.NewDict(len(data))
	for k, v := range data {
		_ = dict.SetKey(starlark.String(k), goToStarlark(v))
	}
	return &attrDict{dict: dict}
}

func (d *attrDict) String() string        { return d.dict.String() }
func (d *attrDict) Type() string          { return "attrdict" }
func (d *attrDict) Freeze()               { d.dict.Freeze() }
func (d *attrDict) Truth() starlark.Bool  { return d.dict.Truth() }
func (d *attrDict) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: attrdict") }

func (d *attrDict) Get(key starlark.Value) (starlark.Value, bool, error) {
	return d.dict.Get(key)
}

func (d *attrDict) Iterate() starlark.Iterator {
	return d.dict.Iterate()
}

func (d *attrDict) Len() int {
	return d.dict.Len()
}

func (d *attrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(*attrDict)
	if !ok {
		return false, nil
	}
	return starlark.Compare(op, d.dict, other.dict)
}

func (d *attrDict) Attr(name string) (starlark.Value, error) {
	val, found, err := d.dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, starlark.NoSuchAttrError(fmt.Sprintf("attrdict has no .%s field", name))
	}
	return val, nil
}

func (d *attrDict) AttrNames() []string {
	var names []string
	for _, item := range d.dict.Items() {
		if key, ok := item[0].(starlark.String); ok {
			names = append(names, string(key))
		}
	}
	sort.Strings(names)
	return names
}

// goToStarlark converts a plain Go value (as produced by a YAML/JSON
// decode, or bound via Assign) into the Starlark value it is evaluated
// as.
func goToStarlark(v interface{}) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case starlark.Value:
		return val
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []interface{}:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = goToStarlark(elem)
		}
		return starlark.NewList(elems)
	case []string:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = starlark.String(elem)
		}
		return starlark.NewList(elems)
	case map[string]interface{}:
		return newAttrDict(val)
	default:
		return starlark.String(fmt.Sprintf("%v", val))
	}
}

// starlarkToGo converts a Starlark result back into plain Go values so
// callers (interpolation, job step bindings) can work with them without
// importing the Starlark package themselves.
func starlarkToGo(v starlark.Value) interface{} {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		i, _ := val.Int64()
		return i
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	case *starlark.List:
		result := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = starlarkToGo(val.Index(i))
		}
		return result
	case starlark.Tuple:
		result := make([]interface{}, len(val))
		for i, e := range val {
			result[i] = starlarkToGo(e)
		}
		return result
	case *starlark.Set:
		var result []interface{}
		iter := val.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			result = append(result, starlarkToGo(x))
		}
		return result
	case *starlark.Dict:
		result := make(map[string]interface{})
		for _, item := range val.Items() {
			if key, ok := starlarkToGo(item[0]).(string); ok {
				result[key] = starlarkToGo(item[1])
			}
		}
		return result
	case *attrDict:
		result := make(map[string]interface{})
		for _, item := range val.dict.Items() {
			if key, ok := starlarkToGo(item[0]).(string); ok {
				result[key] = starlarkToGo(item[1])
			}
		}
		return result
	default:
		return val.String()
	}
}

func toStarlarkEnv(env Env) starlark.StringDict {
	out := make(starlark.StringDict, len(env))
	for k, v := range env {
		out[k] = goToStarlark(v)
	}
	return out
}
