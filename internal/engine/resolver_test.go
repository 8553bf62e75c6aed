package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

// memCursorStore mimics the durable cursor table: atomic advance, lazily
// created at position 0.
type memCursorStore struct {
	mu       sync.Mutex
	counters map[string]int
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{counters: make(map[string]int)}
}

func (s *memCursorStore) Advance(_ context.Context, ruleID string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, fmt.Errorf("modulus must be positive, got %d", modulus)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.counters[ruleID] % modulus
	s.counters[ruleID]++
	return pos, nil
}

type memDirectory struct {
	members []string
	err     error
	lastOrg string
}

func (d *memDirectory) ActiveMembers(_ context.Context, orgID string, _ rule.AssignmentTarget) ([]string, error) {
	d.lastOrg = orgID
	return d.members, d.err
}

type memWorkload struct {
	counts map[string]int
	err    error
}

func (w *memWorkload) OpenTaskCounts(_ context.Context, _ string, _ []string) (map[string]int, error) {
	return w.counts, w.err
}

func newTestResolver(cursors CursorStore, dir Directory, workload WorkloadReader) *Resolver {
	if cursors == nil {
		cursors = newMemCursorStore()
	}
	if dir == nil {
		dir = &memDirectory{}
	}
	if workload == nil {
		workload = &memWorkload{}
	}
	return NewResolver(cursors, dir, workload, nil)
}

func strategyRule(strategy rule.AssignmentStrategy, target rule.AssignmentTarget) *rule.Rule {
	return &rule.Rule{
		ID:                 "rule-" + string(strategy),
		OrgID:              "org-1",
		Name:               "test " + string(strategy),
		IsActive:           true,
		TriggerEvent:       rule.EventLabOrderCreated,
		AssignmentStrategy: strategy,
		AssignmentTarget:   target,
	}
}

func TestResolvePool(t *testing.T) {
	r := newTestResolver(nil, nil, nil)

	got, err := r.Resolve(context.Background(),
		strategyRule(rule.StrategyPool, rule.AssignmentTarget{PoolID: "pool-nurses"}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "pool" || got.ID != "pool-nurses" {
		t.Errorf("assignee = %v, want pool:pool-nurses", got)
	}

	_, err = r.Resolve(context.Background(),
		strategyRule(rule.StrategyPool, rule.AssignmentTarget{}), nil)
	if !errors.Is(err, ErrAssignment) {
		t.Errorf("missing pool_id: error = %v, want ErrAssignment", err)
	}
}

func TestResolveUser(t *testing.T) {
	r := newTestResolver(nil, nil, nil)

	got, err := r.Resolve(context.Background(),
		strategyRule(rule.StrategyUser, rule.AssignmentTarget{UserID: "user-7"}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "user" || got.ID != "user-7" {
		t.Errorf("assignee = %v, want user:user-7", got)
	}
}

func TestResolvePatient(t *testing.T) {
	r := newTestResolver(nil, nil, nil)
	rl := strategyRule(rule.StrategyPatient, rule.AssignmentTarget{})

	got, err := r.Resolve(context.Background(), rl, map[string]any{"patient_id": "pat-42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != "patient" || got.ID != "pat-42" {
		t.Errorf("assignee = %v, want patient:pat-42", got)
	}

	// Camel-case producer payloads are accepted too.
	got, err = r.Resolve(context.Background(), rl, map[string]any{"patientId": "pat-43"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "pat-43" {
		t.Errorf("assignee id = %q, want pat-43", got.ID)
	}

	_, err = r.Resolve(context.Background(), rl, map[string]any{"status": "pending"})
	if !errors.Is(err, ErrAssignment) {
		t.Errorf("payload without patient: error = %v, want ErrAssignment", err)
	}
}

func TestResolveRole(t *testing.T) {
	t.Run("single member assigned directly", func(t *testing.T) {
		dir := &memDirectory{members: []string{"nurse-1"}}
		r := newTestResolver(nil, dir, nil)

		got, err := r.Resolve(context.Background(),
			strategyRule(rule.StrategyRole, rule.AssignmentTarget{Role: "nurse"}), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Type != "user" || got.ID != "nurse-1" {
			t.Errorf("assignee = %v, want user:nurse-1", got)
		}
		if dir.lastOrg != "org-1" {
			t.Errorf("directory queried with org %q, want org-1", dir.lastOrg)
		}
	})

	t.Run("multiple members round-robin", func(t *testing.T) {
		dir := &memDirectory{members: []string{"nurse-1", "nurse-2", "nurse-3"}}
		r := newTestResolver(newMemCursorStore(), dir, nil)
		rl := strategyRule(rule.StrategyRole, rule.AssignmentTarget{Role: "nurse"})

		var got []string
		for i := 0; i < 6; i++ {
			a, err := r.Resolve(context.Background(), rl, nil)
			if err != nil {
				t.Fatalf("resolve %d: %v", i, err)
			}
			got = append(got, a.ID)
		}
		want := []string{"nurse-1", "nurse-2", "nurse-3", "nurse-1", "nurse-2", "nurse-3"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("firing %d assigned %q, want %q (full: %v)", i, got[i], want[i], got)
			}
		}
	})

	t.Run("no members is assignment failure", func(t *testing.T) {
		r := newTestResolver(nil, &memDirectory{}, nil)

		_, err := r.Resolve(context.Background(),
			strategyRule(rule.StrategyRole, rule.AssignmentTarget{Role: "perfusionist"}), nil)
		if !errors.Is(err, ErrAssignment) {
			t.Errorf("error = %v, want ErrAssignment", err)
		}
	})

	t.Run("directory failure is assignment failure", func(t *testing.T) {
		r := newTestResolver(nil, &memDirectory{err: errors.New("directory unavailable")}, nil)

		_, err := r.Resolve(context.Background(),
			strategyRule(rule.StrategyRole, rule.AssignmentTarget{Role: "nurse"}), nil)
		if !errors.Is(err, ErrAssignment) {
			t.Errorf("error = %v, want ErrAssignment", err)
		}
	})
}

func TestResolveRoundRobinFairness(t *testing.T) {
	candidates := []string{"a", "b", "c"}
	r := newTestResolver(newMemCursorStore(), nil, nil)
	rl := strategyRule(rule.StrategyRoundRobin, rule.AssignmentTarget{Candidates: candidates})

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		a, err := r.Resolve(context.Background(), rl, nil)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		counts[a.ID]++
	}

	// 10 firings over 3 candidates: counts differ by at most one.
	min, max := counts[candidates[0]], counts[candidates[0]]
	for _, c := range candidates {
		if counts[c] < min {
			min = counts[c]
		}
		if counts[c] > max {
			max = counts[c]
		}
	}
	if max-min > 1 {
		t.Errorf("uneven distribution %v, want max-min <= 1", counts)
	}
}

func TestResolveRoundRobinConcurrent(t *testing.T) {
	candidates := []string{"a", "b", "c", "d"}
	r := newTestResolver(newMemCursorStore(), nil, nil)
	rl := strategyRule(rule.StrategyRoundRobin, rule.AssignmentTarget{Candidates: candidates})

	// One concurrent firing per candidate: the atomic cursor guarantees
	// every candidate is assigned exactly once, no collisions.
	results := make(chan string, len(candidates))
	var wg sync.WaitGroup
	for i := 0; i < len(candidates); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := r.Resolve(context.Background(), rl, nil)
			if err != nil {
				t.Errorf("concurrent resolve: %v", err)
				results <- ""
				return
			}
			results <- a.ID
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]int)
	for id := range results {
		seen[id]++
	}
	for _, c := range candidates {
		if seen[c] != 1 {
			t.Errorf("candidate %q assigned %d times, want exactly 1 (all: %v)", c, seen[c], seen)
		}
	}
}

func TestResolveRoundRobinIndependentCursors(t *testing.T) {
	r := newTestResolver(newMemCursorStore(), nil, nil)

	ruleA := strategyRule(rule.StrategyRoundRobin, rule.AssignmentTarget{Candidates: []string{"a", "b"}})
	ruleA.ID = "rule-a"
	ruleB := strategyRule(rule.StrategyRoundRobin, rule.AssignmentTarget{Candidates: []string{"a", "b"}})
	ruleB.ID = "rule-b"

	first, err := r.Resolve(context.Background(), ruleA, nil)
	if err != nil {
		t.Fatalf("resolve rule-a: %v", err)
	}
	second, err := r.Resolve(context.Background(), ruleB, nil)
	if err != nil {
		t.Fatalf("resolve rule-b: %v", err)
	}

	// Each rule starts its own cursor at the first candidate.
	if first.ID != "a" || second.ID != "a" {
		t.Errorf("first firings = %q, %q, want both a", first.ID, second.ID)
	}
}

func TestResolveWorkloadBalanced(t *testing.T) {
	workload := &memWorkload{counts: map[string]int{"u1": 3, "u2": 1, "u3": 2}}
	r := newTestResolver(nil, nil, workload)

	got, err := r.Resolve(context.Background(),
		strategyRule(rule.StrategyWorkloadBalanced,
			rule.AssignmentTarget{Candidates: []string{"u1", "u2", "u3"}}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "u2" {
		t.Errorf("assignee = %q, want u2 (fewest open tasks)", got.ID)
	}
}

func TestResolveWorkloadBalancedTieBreak(t *testing.T) {
	workload := &memWorkload{counts: map[string]int{"u1": 2, "u2": 2, "u3": 2}}
	r := newTestResolver(nil, nil, workload)

	got, err := r.Resolve(context.Background(),
		strategyRule(rule.StrategyWorkloadBalanced,
			rule.AssignmentTarget{Candidates: []string{"u1", "u2", "u3"}}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("assignee = %q, want u1 (first candidate wins ties)", got.ID)
	}
}

func TestResolveWorkloadBalancedMissingCounts(t *testing.T) {
	// A candidate absent from the snapshot counts as zero open tasks.
	workload := &memWorkload{counts: map[string]int{"u1": 4}}
	r := newTestResolver(nil, nil, workload)

	got, err := r.Resolve(context.Background(),
		strategyRule(rule.StrategyWorkloadBalanced,
			rule.AssignmentTarget{Candidates: []string{"u1", "u2"}}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "u2" {
		t.Errorf("assignee = %q, want u2", got.ID)
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	r := newTestResolver(nil, nil, nil)

	_, err := r.Resolve(context.Background(),
		strategyRule(rule.AssignmentStrategy("random"), rule.AssignmentTarget{}), nil)
	if !errors.Is(err, ErrAssignment) {
		t.Errorf("error = %v, want ErrAssignment", err)
	}
}
