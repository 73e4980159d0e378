package parquedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func doc() map[string]any {
	return map[string]any{
		"name": "widget",
		"price": 9.5,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"active": true},
	}
}

func TestEvaluateLeafOperators(t *testing.T) {
	d := doc()

	ok, err := Evaluate(d, Filter{Field: "price", Ops: map[string]any{"$gt": 5.0, "$lt": 10.0}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "name", Ops: map[string]any{"$eq": "widget"}})
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "missing", Ops: map[string]any{"$exists": false}})
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "meta.active", Ops: map[string]any{"$eq": true}})
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "tags", Ops: map[string]any{"$size": 2}})
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "name", Ops: map[string]any{"$startsWith": "wid"}})
	require.True(t, ok)
}

func TestEvaluateComposite(t *testing.T) {
	d := doc()
	f := And(
		Eq("name", "widget"),
		Or(Eq("price", 1.0), Eq("price", 9.5)),
	)
	ok, err := Evaluate(d, f)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = Evaluate(d, Not(Eq("name", "widget")))
	require.False(t, ok)
}

func TestEvaluateInNin(t *testing.T) {
	d := doc()
	ok, _ := Evaluate(d, Filter{Field: "name", Ops: map[string]any{"$in": []any{"widget", "gadget"}}})
	require.True(t, ok)

	ok, _ = Evaluate(d, Filter{Field: "name", Ops: map[string]any{"$nin": []any{"widget"}}})
	require.False(t, ok)
}

func TestEvaluateUnknownOperator(t *testing.T) {
	_, err := Evaluate(doc(), Filter{Field: "name", Ops: map[string]any{"$bogus": 1}})
	require.Error(t, err)
	require.True(t, IsType(err, ErrorTypeInvariant))
}
