package authz

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Condition operators. The set is closed: anything else fails evaluation.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpNin      = "nin"
	OpContains = "contains"
)

// Condition is a single field predicate.
type Condition struct {
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Predicate maps context field names to conditions. All fields must pass.
type Predicate map[string]Condition

// UnmarshalJSON accepts either an {op,value} object or a bare literal, which
// is shorthand for equality.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var obj struct {
		Op    *string `json:"op"`
		Value any     `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Op != nil {
		c.Op = *obj.Op
		c.Value = obj.Value
		return nil
	}
	var literal any
	if err := json.Unmarshal(data, &literal); err != nil {
		return err
	}
	c.Op = OpEq
	c.Value = literal
	return nil
}

// Evaluate checks every condition against the context. An empty predicate is
// vacuously true. A field missing from the context, or an unknown operator,
// fails closed. Evaluation is pure and deterministic.
func (p Predicate) Evaluate(context map[string]any) bool {
	if len(p) == 0 {
		return true
	}
	for field, cond := range p {
		actual, ok := context[field]
		if !ok {
			return false
		}
		if !evaluateCondition(cond, actual) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond Condition, actual any) bool {
	switch cond.Op {
	case OpEq:
		return looseEqual(actual, cond.Value)
	case OpNeq:
		return !looseEqual(actual, cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		return inList(actual, cond.Value)
	case OpNin:
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return false
			}
		}
		return true
	case OpContains:
		return contains(actual, cond.Value)
	default:
		return false
	}
}

func inList(actual, value any) bool {
	list, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func contains(actual, value any) bool {
	switch haystack := actual.(type) {
	case string:
		needle, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(haystack, needle)
	case []any:
		for _, item := range haystack {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	case []string:
		needle, ok := value.(string)
		if !ok {
			return false
		}
		for _, item := range haystack {
			if item == needle {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares values after numeric normalisation, since JSON decodes
// all numbers as float64. Non-scalar values (slices, maps from decoded JSON)
// are compared structurally; == on those would panic.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
