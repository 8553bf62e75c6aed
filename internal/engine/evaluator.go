package engine

import (
	"fmt"
	"strings"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// EvaluateConditions matches a flat AND predicate against an event payload.
// Every key is a dot-path into the payload; the value there must equal the
// scalar (string-normalized) or be a member of the list. A missing payload
// field is a non-match, not an error. An empty predicate always matches.
func EvaluateConditions(conditions rule.Conditions, payload map[string]any) (bool, error) {
	for path, want := range conditions {
		got, ok := lookupPath(payload, path)
		if !ok {
			return false, nil
		}

		switch expected := want.(type) {
		case []any:
			if !memberOf(got, expected) {
				return false, nil
			}
		case nil, string, bool, float64, int, int64:
			if normalize(got) != normalize(expected) {
				return false, nil
			}
		default:
			return false, conditionErr("predicate %q has unsupported value type %T", path, want)
		}
	}
	return true, nil
}

// lookupPath walks a dot-path through nested maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func memberOf(got any, list []any) bool {
	norm := normalize(got)
	for _, item := range list {
		if normalize(item) == norm {
			return true
		}
	}
	return false
}

// normalize gives a comparable string form so a JSON number 5 matches the
// configured string "5" and vice versa.
func normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// Strip the trailing ".0" JSON decoding puts on integral numbers.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
