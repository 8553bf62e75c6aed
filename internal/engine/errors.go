// Package engine implements the task assignment rule engine: condition
// evaluation, assignee resolution, task materialization, and the trigger
// dispatcher that orchestrates them per inbound clinical event.
package engine

import (
	"errors"
	"fmt"
)

// Error kinds caught per rule at the dispatcher. None of these propagate to
// the event producer; they surface only through the execution log.
var (
	// ErrCondition marks a malformed predicate discovered at dispatch time.
	ErrCondition = errors.New("condition evaluation failed")

	// ErrAssignment marks an unresolvable target or empty candidate set.
	ErrAssignment = errors.New("assignment failed")

	// ErrTaskCreation marks a downstream task service failure.
	ErrTaskCreation = errors.New("task creation failed")
)

func conditionErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCondition, fmt.Sprintf(format, args...))
}

func assignmentErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAssignment, fmt.Sprintf(format, args...))
}
