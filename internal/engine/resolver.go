package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// Assignee is the resolved target of a task assignment.
type Assignee struct {
	Type string `json:"type"` // pool, user, patient
	ID   string `json:"id"`
}

// CursorStore owns the durable round-robin cursor keyed by rule id. Advance
// must be atomic: two concurrent calls for the same rule never observe the
// same position. The cursor is created lazily at position 0 on first use.
type CursorStore interface {
	Advance(ctx context.Context, ruleID string, modulus int) (int, error)
}

// Directory resolves a role to its active member user ids within an
// organization, scoped by department/location when present.
type Directory interface {
	ActiveMembers(ctx context.Context, orgID string, scope rule.AssignmentTarget) ([]string, error)
}

// WorkloadReader reports current open-task counts per candidate from the
// task service. The snapshot is read at resolution time with no lock;
// staleness under concurrent dispatch is accepted by design.
type WorkloadReader interface {
	OpenTaskCounts(ctx context.Context, orgID string, candidateIDs []string) (map[string]int, error)
}

// Resolver turns a rule's assignment strategy and target into a concrete
// assignee. It owns the only genuinely shared mutable state in the engine:
// the round-robin cursors, delegated to the CursorStore.
type Resolver struct {
	cursors  CursorStore
	dir      Directory
	workload WorkloadReader
	logger   *zap.Logger
}

// NewResolver creates a resolver over the given collaborators.
func NewResolver(cursors CursorStore, dir Directory, workload WorkloadReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cursors: cursors, dir: dir, workload: workload, logger: logger}
}

// Resolve picks the assignee for one rule firing. Any failure is an
// assignment error for this rule's execution: no task is created.
func (r *Resolver) Resolve(ctx context.Context, rl *rule.Rule, payload map[string]any) (Assignee, error) {
	switch rl.AssignmentStrategy {
	case rule.StrategyPool:
		if rl.AssignmentTarget.PoolID == "" {
			return Assignee{}, assignmentErr("rule %s: pool target missing pool_id", rl.ID)
		}
		return Assignee{Type: "pool", ID: rl.AssignmentTarget.PoolID}, nil

	case rule.StrategyUser:
		if rl.AssignmentTarget.UserID == "" {
			return Assignee{}, assignmentErr("rule %s: user target missing user_id", rl.ID)
		}
		return Assignee{Type: "user", ID: rl.AssignmentTarget.UserID}, nil

	case rule.StrategyPatient:
		return r.resolvePatient(rl, payload)

	case rule.StrategyRole:
		return r.resolveRole(ctx, rl)

	case rule.StrategyRoundRobin:
		return r.resolveRoundRobin(ctx, rl.ID, rl.AssignmentTarget.Candidates)

	case rule.StrategyWorkloadBalanced:
		return r.resolveWorkloadBalanced(ctx, rl)

	default:
		return Assignee{}, assignmentErr("rule %s: unknown strategy %q", rl.ID, rl.AssignmentStrategy)
	}
}

// resolvePatient directs the task at the patient referenced by the
// triggering event, e.g. a self-service reminder.
func (r *Resolver) resolvePatient(rl *rule.Rule, payload map[string]any) (Assignee, error) {
	for _, key := range []string{"patient_id", "patientId"} {
		if v, ok := payload[key]; ok {
			if id, ok := v.(string); ok && id != "" {
				return Assignee{Type: "patient", ID: id}, nil
			}
		}
	}
	return Assignee{}, assignmentErr("rule %s: event payload carries no patient_id", rl.ID)
}

// resolveRole queries the staff directory. A single active member is
// assigned directly; multiple members fall back to round-robin over the
// resolved set, keyed by the rule id like the explicit strategy.
func (r *Resolver) resolveRole(ctx context.Context, rl *rule.Rule) (Assignee, error) {
	members, err := r.dir.ActiveMembers(ctx, rl.OrgID, rl.AssignmentTarget)
	if err != nil {
		return Assignee{}, assignmentErr("rule %s: directory lookup for role %q: %v", rl.ID, rl.AssignmentTarget.Role, err)
	}
	if len(members) == 0 {
		return Assignee{}, assignmentErr("rule %s: no active staff holds role %q", rl.ID, rl.AssignmentTarget.Role)
	}
	if len(members) == 1 {
		return Assignee{Type: "user", ID: members[0]}, nil
	}
	return r.resolveRoundRobin(ctx, rl.ID, members)
}

// resolveRoundRobin advances the durable cursor and indexes the candidate
// list. The atomic read-increment-write in the store is this strategy's
// defining invariant.
func (r *Resolver) resolveRoundRobin(ctx context.Context, ruleID string, candidates []string) (Assignee, error) {
	if len(candidates) == 0 {
		return Assignee{}, assignmentErr("rule %s: empty round-robin candidate list", ruleID)
	}
	pos, err := r.cursors.Advance(ctx, ruleID, len(candidates))
	if err != nil {
		return Assignee{}, assignmentErr("rule %s: cursor advance: %v", ruleID, err)
	}
	if pos < 0 || pos >= len(candidates) {
		return Assignee{}, assignmentErr("rule %s: cursor position %d out of range for %d candidates", ruleID, pos, len(candidates))
	}
	return Assignee{Type: "user", ID: candidates[pos]}, nil
}

// resolveWorkloadBalanced picks the candidate with the fewest open tasks,
// tie-broken by candidate list order. Best-effort only: the snapshot is not
// locked, so concurrent dispatch may not hit the true global minimum.
func (r *Resolver) resolveWorkloadBalanced(ctx context.Context, rl *rule.Rule) (Assignee, error) {
	candidates := rl.AssignmentTarget.Candidates
	if len(candidates) == 0 {
		return Assignee{}, assignmentErr("rule %s: empty workload candidate list", rl.ID)
	}

	counts, err := r.workload.OpenTaskCounts(ctx, rl.OrgID, candidates)
	if err != nil {
		return Assignee{}, assignmentErr("rule %s: open task counts: %v", rl.ID, err)
	}

	best := candidates[0]
	bestCount := counts[best]
	for _, c := range candidates[1:] {
		if counts[c] < bestCount {
			best = c
			bestCount = counts[c]
		}
	}

	r.logger.Debug("workload balanced assignment",
		zap.String("rule_id", rl.ID),
		zap.String("assignee", best),
		zap.Int("open_tasks", bestCount))

	return Assignee{Type: "user", ID: best}, nil
}

// String implements fmt.Stringer for log fields.
func (a Assignee) String() string {
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}
