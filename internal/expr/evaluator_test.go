package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateSimpleExpressions(t *testing.T) {
	cases := []struct {
		expr string
		env  Env
		want interface{}
	}{
		{"1 + 2", nil, int64(3)},
		{"index == 1", Env{"index": 1}, true},
		{"len(payload)", Env{"payload": []interface{}{1, 2, 3}}, int64(3)},
		{"limit > 2 and index < 2", Env{"limit": 3, "index": 1}, true},
		{"limit > 2 and index < 2", Env{"limit": 3, "index": 5}, false},
	}

	for _, c := range cases {
		got, err := Evaluate(c.expr, c.env)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvaluateNestedConnectives(t *testing.T) {
	// evaluate(["a", ["b", "c"], "d"], V) ≡ a OR (b AND c) OR d
	env := Env{"a": false, "b": true, "c": true, "d": false}
	expr := []interface{}{"a", []interface{}{"b", "c"}, "d"}

	got, err := Evaluate(expr, env)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	env2 := Env{"a": false, "b": true, "c": false, "d": false}
	got2, err := Evaluate(expr, env2)
	require.NoError(t, err)
	assert.Equal(t, false, got2)
}

func TestEvaluateRejectsDisallowedIdentifiers(t *testing.T) {
	_, err := Evaluate("__import__('os')", Env{})
	require.Error(t, err)
	assert.IsType(t, &ExprError{}, err)

	_, err = Evaluate("print('x')", Env{})
	require.Error(t, err)

	_, err = Evaluate("range(3)", Env{})
	require.Error(t, err)
}

func TestEvaluateAllowListedBuiltins(t *testing.T) {
	cases := []struct {
		expr string
		want interface{}
	}{
		{"abs(-3)", int64(3)},
		{"round(3.6)", int64(4)},
		{"sum([1, 2, 3])", int64(6)},
		{"max([1, 5, 2])", int64(5)},
		{"min([1, 5, 2])", int64(1)},
		{`str(3) + "x"`, "3x"},
		{`json.decode(json.encode({"a": 1}))["a"]`, float64(1)},
		{`re.search("wor.d", "hello world")`, true},
		{`re.match("hello", "hello world")`, true},
		{`re.sub("o", "0", "foo")`, "f00"},
	}

	for _, c := range cases {
		got, err := Evaluate(c.expr, Env{})
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestInterpolateRoundTripWithoutExpressions(t *testing.T) {
	template := "nothing to see here"
	got, err := Interpolate(template, Env{})
	require.NoError(t, err)
	assert.Equal(t, template, got)
}

func TestInterpolateMultipleOccurrences(t *testing.T) {
	got, err := Interpolate("len=${{ len(payload) }} first=${{ payload[0] }}", Env{"payload": []interface{}{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, "len=3 first=1", got)
}

func TestInterpolatePropagatesExprError(t *testing.T) {
	_, err := Interpolate("${{ __import__('os') }}", Env{})
	require.Error(t, err)
	assert.IsType(t, &ExprError{}, err)
}

func TestAssignBindsVariableAndPayloadAlias(t *testing.T) {
	env := Assign("index", 5, Env{"other": "value"})
	assert.Equal(t, 5, env["index"])
	assert.Equal(t, 5, env["payload"])
	assert.Equal(t, "value", env["other"])
}

func TestAssignIdempotence(t *testing.T) {
	base := Env{"x": 1}
	once := Assign("k", "v", base)
	twice := Assign("k", "v", once)
	assert.Equal(t, once, twice)
}

func TestAssignDoesNotMutateOriginal(t *testing.T) {
	base := Env{"x": 1}
	_ = Assign("x", 99, base)
	assert.Equal(t, 1, base["x"])
}
