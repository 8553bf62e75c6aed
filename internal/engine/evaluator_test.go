package engine

import (
	"errors"
	"testing"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

func TestEvaluateConditions(t *testing.T) {
	payload := map[string]any{
		"status":   "pending",
		"priority": "urgent",
		"attempts": float64(5),
		"flagged":  true,
		"order": map[string]any{
			"type": "lab",
			"panel": map[string]any{
				"code": "CBC",
			},
		},
	}

	tests := []struct {
		name       string
		conditions rule.Conditions
		want       bool
	}{
		{
			name:       "empty predicate matches everything",
			conditions: rule.Conditions{},
			want:       true,
		},
		{
			name:       "scalar equality match",
			conditions: rule.Conditions{"status": "pending"},
			want:       true,
		},
		{
			name:       "scalar equality mismatch",
			conditions: rule.Conditions{"status": "completed"},
			want:       false,
		},
		{
			name:       "list membership match",
			conditions: rule.Conditions{"priority": []any{"urgent", "stat"}},
			want:       true,
		},
		{
			name:       "list membership mismatch",
			conditions: rule.Conditions{"priority": []any{"routine", "low"}},
			want:       false,
		},
		{
			name:       "missing field is non-match",
			conditions: rule.Conditions{"department": "cardiology"},
			want:       false,
		},
		{
			name:       "dot path into nested payload",
			conditions: rule.Conditions{"order.type": "lab"},
			want:       true,
		},
		{
			name:       "two-level dot path",
			conditions: rule.Conditions{"order.panel.code": "CBC"},
			want:       true,
		},
		{
			name:       "dot path through scalar is non-match",
			conditions: rule.Conditions{"status.nested": "x"},
			want:       false,
		},
		{
			name:       "number matches string form",
			conditions: rule.Conditions{"attempts": "5"},
			want:       true,
		},
		{
			name:       "number matches number",
			conditions: rule.Conditions{"attempts": float64(5)},
			want:       true,
		},
		{
			name:       "bool equality",
			conditions: rule.Conditions{"flagged": true},
			want:       true,
		},
		{
			name: "all keys must match",
			conditions: rule.Conditions{
				"status":     "pending",
				"order.type": "imaging",
			},
			want: false,
		},
		{
			name: "conjunction of scalar and membership",
			conditions: rule.Conditions{
				"status":   "pending",
				"priority": []any{"urgent", "stat"},
			},
			want: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateConditions(tc.conditions, payload)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("EvaluateConditions(%v) = %v, want %v", tc.conditions, got, tc.want)
			}
		})
	}
}

func TestEvaluateConditionsUnsupportedValue(t *testing.T) {
	_, err := EvaluateConditions(
		rule.Conditions{"status": map[string]any{"nested": "object"}},
		map[string]any{"status": "pending"},
	)
	if err == nil {
		t.Fatal("expected error for non-scalar predicate value")
	}
	if !errors.Is(err, ErrCondition) {
		t.Errorf("error = %v, want ErrCondition", err)
	}
}

func TestEvaluateConditionsNilPayload(t *testing.T) {
	matched, err := EvaluateConditions(rule.Conditions{"status": "pending"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Error("nil payload should not match a non-empty predicate")
	}

	matched, err = EvaluateConditions(rule.Conditions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched {
		t.Error("empty predicate should match a nil payload")
	}
}
