package rule

import (
	"errors"
	"fmt"
)

// ErrInvalidRule wraps all rule validation failures.
var ErrInvalidRule = errors.New("invalid rule")

// Validate checks a rule at save time. Catching target-shape mismatches here
// converts a class of runtime assignment failures into earlier, clearer
// validation failures.
func Validate(r *Rule) error {
	if r.OrgID == "" {
		return fmt.Errorf("%w: org_id is required", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.TriggerEvent == "" {
		return fmt.Errorf("%w: trigger_event is required", ErrInvalidRule)
	}
	if !validStrategy(r.AssignmentStrategy) {
		return fmt.Errorf("%w: unknown assignment strategy %q", ErrInvalidRule, r.AssignmentStrategy)
	}
	if r.TaskConfig.DueInHours < 0 {
		return fmt.Errorf("%w: due_in_hours must not be negative, got %d", ErrInvalidRule, r.TaskConfig.DueInHours)
	}
	if err := validateTarget(r.AssignmentStrategy, r.AssignmentTarget); err != nil {
		return err
	}
	return validateConditions(r.TriggerConditions)
}

func validStrategy(s AssignmentStrategy) bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// validateTarget enforces the tagged-union shape: the target must carry
// exactly the fields its strategy consumes.
func validateTarget(s AssignmentStrategy, t AssignmentTarget) error {
	switch s {
	case StrategyPool:
		if t.PoolID == "" {
			return fmt.Errorf("%w: pool strategy requires pool_id", ErrInvalidRule)
		}
	case StrategyUser:
		if t.UserID == "" {
			return fmt.Errorf("%w: user strategy requires user_id", ErrInvalidRule)
		}
	case StrategyPatient:
		// Assignee comes from the triggering event payload.
	case StrategyRole:
		if t.Role == "" {
			return fmt.Errorf("%w: role strategy requires role", ErrInvalidRule)
		}
	case StrategyRoundRobin, StrategyWorkloadBalanced:
		if len(t.Candidates) == 0 {
			return fmt.Errorf("%w: %s strategy requires a non-empty candidate list", ErrInvalidRule, s)
		}
		seen := make(map[string]struct{}, len(t.Candidates))
		for _, c := range t.Candidates {
			if c == "" {
				return fmt.Errorf("%w: candidate list contains an empty id", ErrInvalidRule)
			}
			if _, dup := seen[c]; dup {
				return fmt.Errorf("%w: duplicate candidate %q", ErrInvalidRule, c)
			}
			seen[c] = struct{}{}
		}
	}
	return nil
}

// validateConditions rejects predicate values the evaluator cannot compare:
// only scalars and lists of scalars are accepted.
func validateConditions(c Conditions) error {
	for path, v := range c {
		if path == "" {
			return fmt.Errorf("%w: empty condition path", ErrInvalidRule)
		}
		switch val := v.(type) {
		case nil, string, bool, float64, int, int64:
		case []any:
			for _, item := range val {
				switch item.(type) {
				case string, bool, float64, int, int64:
				default:
					return fmt.Errorf("%w: condition %q has non-scalar list element", ErrInvalidRule, path)
				}
			}
		default:
			return fmt.Errorf("%w: condition %q has unsupported value type %T", ErrInvalidRule, path, v)
		}
	}
	return nil
}
