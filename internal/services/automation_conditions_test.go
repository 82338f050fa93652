package services

import (
	"strings"
	"testing"
)

func conditionContext() map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{"type": "order.created"},
		"payload": map[string]interface{}{
			"status":   "Paid",
			"total":    float64(120),
			"country":  "DE",
			"tags":     []interface{}{"vip", "wholesale"},
			"note":     "",
			"customer": map[string]interface{}{"id": float64(9)},
		},
	}
}

func TestEvaluateConditions_Operators(t *testing.T) {
	ctx := conditionContext()

	tests := []struct {
		name string
		cond RuleCondition
		want bool
	}{
		{"eq case insensitive", RuleCondition{Field: "payload.status", Operator: OpEq, Value: "paid"}, true},
		{"eq case sensitive fails", RuleCondition{Field: "payload.status", Operator: OpEq, Value: "paid", CaseSensitive: true}, false},
		{"eq number", RuleCondition{Field: "payload.total", Operator: OpEq, Value: float64(120)}, true},
		{"neq", RuleCondition{Field: "payload.country", Operator: OpNeq, Value: "US"}, true},
		{"gt pass", RuleCondition{Field: "payload.total", Operator: OpGt, Value: float64(100)}, true},
		{"gt fail", RuleCondition{Field: "payload.total", Operator: OpGt, Value: float64(120)}, false},
		{"gte boundary", RuleCondition{Field: "payload.total", Operator: OpGte, Value: float64(120)}, true},
		{"lt fail", RuleCondition{Field: "payload.total", Operator: OpLt, Value: float64(100)}, false},
		{"lte boundary", RuleCondition{Field: "payload.total", Operator: OpLte, Value: float64(120)}, true},
		{"gt against non numeric", RuleCondition{Field: "payload.status", Operator: OpGt, Value: float64(1)}, false},
		{"gt numeric string value", RuleCondition{Field: "payload.total", Operator: OpGt, Value: "100"}, true},
		{"contains substring", RuleCondition{Field: "payload.status", Operator: OpContains, Value: "ai"}, true},
		{"contains list member", RuleCondition{Field: "payload.tags", Operator: OpContains, Value: "VIP"}, true},
		{"contains list member case sensitive", RuleCondition{Field: "payload.tags", Operator: OpContains, Value: "VIP", CaseSensitive: true}, false},
		{"in membership", RuleCondition{Field: "payload.country", Operator: OpIn, Value: []interface{}{"de", "AT"}}, true},
		{"in miss", RuleCondition{Field: "payload.country", Operator: OpIn, Value: []interface{}{"US"}}, false},
		{"in non-list value", RuleCondition{Field: "payload.country", Operator: OpIn, Value: "DE"}, false},
		{"exists present", RuleCondition{Field: "payload.customer.id", Operator: OpExists}, true},
		{"exists empty string", RuleCondition{Field: "payload.note", Operator: OpExists}, false},
		{"exists missing", RuleCondition{Field: "payload.nope", Operator: OpExists}, false},
		{"not_exists missing", RuleCondition{Field: "payload.nope", Operator: OpNotExists}, true},
		{"not_exists present", RuleCondition{Field: "payload.total", Operator: OpNotExists}, false},
		{"empty operator falls back to eq", RuleCondition{Field: "payload.country", Value: "de"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := EvaluateConditions(ctx, []RuleCondition{tt.cond})
			if got != tt.want {
				t.Errorf("EvaluateConditions(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateConditions_ShortCircuitReason(t *testing.T) {
	ctx := conditionContext()
	conditions := []RuleCondition{
		{Field: "payload.status", Operator: OpEq, Value: "paid"},
		{Field: "payload.total", Operator: OpGt, Value: float64(500)},
		{Field: "payload.nope", Operator: OpExists}, // never reached
	}

	passed, reason := EvaluateConditions(ctx, conditions)
	if passed {
		t.Fatal("expected evaluation to fail")
	}
	if !strings.Contains(reason, "payload.total") || !strings.Contains(reason, "gt") {
		t.Errorf("reason = %q, want first failing condition named", reason)
	}
}

func TestEvaluateConditions_EmptyListPasses(t *testing.T) {
	passed, reason := EvaluateConditions(conditionContext(), nil)
	if !passed || reason != "" {
		t.Errorf("EvaluateConditions(nil) = %v, %q; want true, empty", passed, reason)
	}
}

func TestIsSupportedOperator(t *testing.T) {
	for _, op := range []string{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn, OpExists, OpNotExists} {
		if !IsSupportedOperator(op) {
			t.Errorf("IsSupportedOperator(%q) = false", op)
		}
	}
	if IsSupportedOperator("fuzzy") {
		t.Error("IsSupportedOperator(fuzzy) = true")
	}
}
