package authz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateEvaluateOperators(t *testing.T) {
	ctxMap := map[string]any{
		"department": "science",
		"age":        float64(17),
		"tags":       []any{"exam", "draft"},
		"title":      "midterm report",
	}

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"eq match", Predicate{"department": {Op: OpEq, Value: "science"}}, true},
		{"eq mismatch", Predicate{"department": {Op: OpEq, Value: "arts"}}, false},
		{"neq", Predicate{"department": {Op: OpNeq, Value: "arts"}}, true},
		{"gt", Predicate{"age": {Op: OpGt, Value: float64(16)}}, true},
		{"gte boundary", Predicate{"age": {Op: OpGte, Value: float64(17)}}, true},
		{"lt fails", Predicate{"age": {Op: OpLt, Value: float64(17)}}, false},
		{"lte boundary", Predicate{"age": {Op: OpLte, Value: float64(17)}}, true},
		{"in", Predicate{"department": {Op: OpIn, Value: []any{"science", "math"}}}, true},
		{"in miss", Predicate{"department": {Op: OpIn, Value: []any{"arts"}}}, false},
		{"nin", Predicate{"department": {Op: OpNin, Value: []any{"arts"}}}, true},
		{"nin hit", Predicate{"department": {Op: OpNin, Value: []any{"science"}}}, false},
		{"contains substring", Predicate{"title": {Op: OpContains, Value: "midterm"}}, true},
		{"contains list element", Predicate{"tags": {Op: OpContains, Value: "exam"}}, true},
		{"contains miss", Predicate{"title": {Op: OpContains, Value: "final"}}, false},
		{"all fields must pass", Predicate{
			"department": {Op: OpEq, Value: "science"},
			"age":        {Op: OpGt, Value: float64(18)},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.Evaluate(ctxMap))
		})
	}
}

func TestPredicateFailsClosed(t *testing.T) {
	ctxMap := map[string]any{"department": "science"}

	t.Run("missing context field", func(t *testing.T) {
		pred := Predicate{"campus": {Op: OpEq, Value: "north"}}
		assert.False(t, pred.Evaluate(ctxMap))
	})
	t.Run("unknown operator", func(t *testing.T) {
		pred := Predicate{"department": {Op: "matches", Value: "sci.*"}}
		assert.False(t, pred.Evaluate(ctxMap))
	})
	t.Run("non numeric comparison", func(t *testing.T) {
		pred := Predicate{"department": {Op: OpGt, Value: float64(3)}}
		assert.False(t, pred.Evaluate(ctxMap))
	})
	t.Run("empty predicate is vacuously true", func(t *testing.T) {
		assert.True(t, Predicate{}.Evaluate(nil))
		assert.True(t, Predicate(nil).Evaluate(map[string]any{}))
	})
}

func TestPredicateNonScalarValues(t *testing.T) {
	// Decoded JSON conditions can carry slices on either side; comparison
	// must stay structural, never panic.
	ctxMap := map[string]any{
		"tags":   []any{"exam", "draft"},
		"matrix": map[string]any{"a": float64(1)},
	}

	cases := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"eq slice match", Predicate{"tags": {Op: OpEq, Value: []any{"exam", "draft"}}}, true},
		{"eq slice mismatch", Predicate{"tags": {Op: OpEq, Value: []any{"exam"}}}, false},
		{"neq slice", Predicate{"tags": {Op: OpNeq, Value: []any{"final"}}}, true},
		{"eq map match", Predicate{"matrix": {Op: OpEq, Value: map[string]any{"a": float64(1)}}}, true},
		{"eq map mismatch", Predicate{"matrix": {Op: OpEq, Value: map[string]any{"a": float64(2)}}}, false},
		{"in with slice elements", Predicate{"tags": {Op: OpIn, Value: []any{[]any{"exam", "draft"}}}}, true},
		{"nin with slice elements", Predicate{"tags": {Op: OpNin, Value: []any{[]any{"final"}}}}, true},
		{"contains slice needle", Predicate{"tags": {Op: OpContains, Value: []any{"exam"}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tc.want, tc.pred.Evaluate(ctxMap))
			})
		})
	}
}

func TestPredicateNumericCoercion(t *testing.T) {
	// Grants written in Go carry ints, contexts decoded from JSON carry
	// float64; both sides must agree.
	pred := Predicate{"grade": {Op: OpEq, Value: 9}}
	assert.True(t, pred.Evaluate(map[string]any{"grade": float64(9)}))
	assert.False(t, pred.Evaluate(map[string]any{"grade": float64(10)}))
}

func TestConditionUnmarshalJSON(t *testing.T) {
	t.Run("operator object", func(t *testing.T) {
		var pred Predicate
		require.NoError(t, json.Unmarshal([]byte(`{"age":{"op":"gte","value":18}}`), &pred))
		assert.Equal(t, OpGte, pred["age"].Op)
		assert.Equal(t, float64(18), pred["age"].Value)
	})
	t.Run("bare literal means equality", func(t *testing.T) {
		var pred Predicate
		require.NoError(t, json.Unmarshal([]byte(`{"department":"science","grade":9}`), &pred))
		assert.Equal(t, OpEq, pred["department"].Op)
		assert.Equal(t, "science", pred["department"].Value)
		assert.Equal(t, OpEq, pred["grade"].Op)
	})
	t.Run("roundtrip", func(t *testing.T) {
		original := Predicate{"department": {Op: OpIn, Value: []any{"science"}}}
		raw, err := json.Marshal(original)
		require.NoError(t, err)
		var decoded Predicate
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, original, decoded)
	})
}

func TestPredicateDeterminism(t *testing.T) {
	pred := Predicate{
		"department": {Op: OpEq, Value: "science"},
		"age":        {Op: OpGte, Value: float64(16)},
	}
	ctxMap := map[string]any{"department": "science", "age": float64(16)}
	first := pred.Evaluate(ctxMap)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, pred.Evaluate(ctxMap))
	}
}
