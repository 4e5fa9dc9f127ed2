package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// builtinRound implements Python-style round(number[, ndigits]), which
// Starlark's universe does not provide.
func builtinRound(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var number starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs("round", args, kwargs, "number", &number, "ndigits?", &ndigits); err != nil {
		return nil, err
	}

	f, err := toFloat(number)
	if err != nil {
		return nil, fmt.Errorf("round: %w", err)
	}

	if ndigits == starlark.None {
		return starlark.MakeInt64(int64(math.Round(f))), nil
	}

	n, ok := ndigits.(starlark.Int)
	if !ok {
		return nil, fmt.Errorf("round: ndigits must be an int")
	}
	digits, _ := n.Int64()
	scale := math.Pow(10, float64(digits))
	return starlark.Float(math.Round(f*scale) / scale), nil
}

// builtinSum implements Python-style sum(iterable[, start=0]).
func builtinSum(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs("sum", args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	total := start
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		sum, err := addValues(total, x)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		total = sum
	}
	return total, nil
}

func addValues(a, b starlark.Value) (starlark.Value, error) {
	if as, ok := a.(starlark.String); ok {
		if bs, ok := b.(starlark.String); ok {
			return starlark.String(string(as) + string(bs)), nil
		}
	}
	if ai, ok := a.(starlark.Int); ok {
		if bi, ok := b.(starlark.Int); ok {
			aInt, _ := ai.Int64()
			bInt, _ := bi.Int64()
			return starlark.MakeInt64(aInt + bInt), nil
		}
	}
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return starlark.Float(af + bf), nil
	}
	return nil, fmt.Errorf("unsupported operand types for +")
}

func toFloat(v starlark.Value) (float64, error) {
	switch val := v.(type) {
	case starlark.Int:
		return float64(val.Float()), nil
	case starlark.Float:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("not a number: %s", v.Type())
	}
}

// builtinSet implements set([iterable]) for environments where Starlark's
// universe was built without native set support.
func builtinSet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackArgs("set", args, kwargs, "iterable?", &iterable); err != nil {
		return nil, err
	}

	set := starlark.NewSet(8)
	if iterable != nil {
		iter := iterable.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			if err := set.Insert(x); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

// jsonModule exposes encode/decode, the subset of Python's json module
// named in the allow-list.
func jsonModule() starlark.Value {
	return &starlarkstruct.Module{
		Name: "json",
		Members: starlark.StringDict{
			"encode": starlark.NewBuiltin("json.encode", jsonEncode),
			"decode": starlark.NewBuiltin("json.decode", jsonDecode),
		},
	}
}

func jsonEncode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs("json.encode", args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	data, err := json.Marshal(starlarkToGo(value))
	if err != nil {
		return nil, fmt.Errorf("json.encode: %w", err)
	}
	return starlark.String(string(data)), nil
}

func jsonDecode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs("json.decode", args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("json.decode: %w", err)
	}
	return goToStarlark(decoded), nil
}

// reModule exposes match/search/sub, the subset of Python's re module
// named in the allow-list.
func reModule() starlark.Value {
	return &starlarkstruct.Module{
		Name: "re",
		Members: starlark.StringDict{
			"match":  starlark.NewBuiltin("re.match", reMatch),
			"search": starlark.NewBuiltin("re.search", reSearch),
			"sub":    starlark.NewBuiltin("re.sub", reSub),
		},
	}
}

func reMatch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs("re.match", args, kwargs, "pattern", &pattern, "string", &text); err != nil {
		return nil, err
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("re.match: %w", err)
	}
	return starlark.Bool(re.MatchString(text)), nil
}

func reSearch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs("re.search", args, kwargs, "pattern", &pattern, "string", &text); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.search: %w", err)
	}
	return starlark.Bool(re.MatchString(text)), nil
}

func reSub(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, text string
	if err := starlark.UnpackArgs("re.sub", args, kwargs, "pattern", &pattern, "repl", &repl, "string", &text); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.sub: %w", err)
	}
	return starlark.String(re.ReplaceAllString(text, repl)), nil
}
