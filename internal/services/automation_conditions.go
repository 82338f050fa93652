package services

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition operators accepted at rule definition time.
const (
	OpEq        = "eq"
	OpNeq       = "neq"
	OpGt        = "gt"
	OpGte       = "gte"
	OpLt        = "lt"
	OpLte       = "lte"
	OpContains  = "contains"
	OpIn        = "in"
	OpExists    = "exists"
	OpNotExists = "not_exists"
)

// RuleCondition is a single entry in a rule's condition list.
type RuleCondition struct {
	Field         string      `json:"field"`
	Operator      string      `json:"operator"`
	Value         interface{} `json:"value"`
	CaseSensitive bool        `json:"case_sensitive"`
}

// IsSupportedOperator reports whether op belongs to the closed operator set.
func IsSupportedOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn, OpExists, OpNotExists:
		return true
	}
	return false
}

// EvaluateConditions AND-combines the condition list against the context,
// short-circuiting on the first failure with a human-readable reason.
func EvaluateConditions(context map[string]interface{}, conditions []RuleCondition) (bool, string) {
	for _, cond := range conditions {
		if !evaluateCondition(context, cond) {
			return false, fmt.Sprintf("Condition failed: %s %s %v", cond.Field, cond.Operator, cond.Value)
		}
	}
	return true, ""
}

func evaluateCondition(context map[string]interface{}, cond RuleCondition) bool {
	actual := ResolvePath(context, cond.Field)

	switch cond.Operator {
	case OpExists:
		return truthy(actual)
	case OpNotExists:
		return !truthy(actual)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		return containsValue(actual, cond.Value, cond.CaseSensitive)
	case OpIn:
		return memberOf(cond.Value, actual, cond.CaseSensitive)
	case OpNeq:
		return !valuesEqual(actual, cond.Value, cond.CaseSensitive)
	default:
		// Unrecognized operators are rejected upstream at rule definition;
		// anything else falls back to eq semantics.
		return valuesEqual(actual, cond.Value, cond.CaseSensitive)
	}
}

// truthy mirrors the exists test: nil, empty string, and empty collections
// count as absent.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0
	case map[string]interface{}:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// containsValue: substring test for strings, membership test for slices.
func containsValue(actual, expected interface{}, caseSensitive bool) bool {
	switch a := actual.(type) {
	case string:
		needle := stringifyValue(expected)
		if caseSensitive {
			return strings.Contains(a, needle)
		}
		return strings.Contains(strings.ToLower(a), strings.ToLower(needle))
	case []interface{}:
		for _, item := range a {
			if valuesEqual(item, expected, caseSensitive) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// memberOf reports whether needle appears in the expected collection.
func memberOf(collection, needle interface{}, caseSensitive bool) bool {
	items, ok := collection.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(needle, item, caseSensitive) {
			return true
		}
	}
	return false
}

// valuesEqual compares two values: strings case-insensitively unless
// requested otherwise, numbers numerically, everything else structurally.
func valuesEqual(a, b interface{}, caseSensitive bool) bool {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		if caseSensitive {
			return as == bs
		}
		return strings.EqualFold(as, bs)
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok && !aIsStr && !bIsStr {
		return af == bf
	}

	return reflect.DeepEqual(a, b)
}
