package rule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingSource struct {
	mu    sync.Mutex
	rules map[string][]*Rule
	calls int
	err   error
}

func (s *countingSource) CandidateRules(_ context.Context, orgID, eventType string) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rules[orgID+"/"+eventType], nil
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testRule(id, orgID string) *Rule {
	return &Rule{
		ID:                 id,
		OrgID:              orgID,
		Name:               "rule " + id,
		IsActive:           true,
		TriggerEvent:       EventLabOrderCreated,
		AssignmentStrategy: StrategyPool,
		AssignmentTarget:   AssignmentTarget{PoolID: "pool-1"},
	}
}

func TestCachedSourceServesFromCache(t *testing.T) {
	backing := &countingSource{rules: map[string][]*Rule{
		"org-1/" + EventLabOrderCreated: {testRule("r1", "org-1")},
	}}
	cached := NewCachedSource(backing, CacheConfig{TTL: time.Minute})

	for i := 0; i < 5; i++ {
		rules, err := cached.CandidateRules(context.Background(), "org-1", EventLabOrderCreated)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if len(rules) != 1 || rules[0].ID != "r1" {
			t.Fatalf("fetch %d returned %v", i, rules)
		}
	}

	if got := backing.callCount(); got != 1 {
		t.Errorf("backing source hit %d times within TTL, want 1", got)
	}
}

func TestCachedSourceExpires(t *testing.T) {
	backing := &countingSource{rules: map[string][]*Rule{}}
	cached := NewCachedSource(backing, CacheConfig{TTL: 30 * time.Millisecond})

	if _, err := cached.CandidateRules(context.Background(), "org-1", EventLabOrderCreated); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := cached.CandidateRules(context.Background(), "org-1", EventLabOrderCreated); err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if got := backing.callCount(); got != 2 {
		t.Errorf("backing source hit %d times across TTL expiry, want 2", got)
	}
}

func TestCachedSourceInvalidate(t *testing.T) {
	key := "org-1/" + EventLabOrderCreated
	backing := &countingSource{rules: map[string][]*Rule{
		key: {testRule("r1", "org-1")},
	}}
	cached := NewCachedSource(backing, CacheConfig{TTL: time.Minute})

	if _, err := cached.CandidateRules(context.Background(), "org-1", EventLabOrderCreated); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	// Simulate a rule being disabled, then invalidate the org.
	backing.mu.Lock()
	backing.rules[key] = nil
	backing.mu.Unlock()
	cached.Invalidate("org-1")

	rules, err := cached.CandidateRules(context.Background(), "org-1", EventLabOrderCreated)
	if err != nil {
		t.Fatalf("fetch after invalidate: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("disabled rule still served after invalidation: %v", rules)
	}
}

func TestCachedSourceInvalidateScopedToOrg(t *testing.T) {
	backing := &countingSource{rules: map[string][]*Rule{
		"org-1/" + EventLabOrderCreated: {testRule("r1", "org-1")},
		"org-2/" + EventLabOrderCreated: {testRule("r2", "org-2")},
	}}
	cached := NewCachedSource(backing, CacheConfig{TTL: time.Minute})

	ctx := context.Background()
	cached.CandidateRules(ctx, "org-1", EventLabOrderCreated)
	cached.CandidateRules(ctx, "org-2", EventLabOrderCreated)
	before := backing.callCount()

	cached.Invalidate("org-1")

	cached.CandidateRules(ctx, "org-2", EventLabOrderCreated)
	if got := backing.callCount(); got != before {
		t.Errorf("org-2 entry reloaded after org-1 invalidation: %d calls, want %d", got, before)
	}

	cached.CandidateRules(ctx, "org-1", EventLabOrderCreated)
	if got := backing.callCount(); got != before+1 {
		t.Errorf("org-1 entry not reloaded: %d calls, want %d", got, before+1)
	}
}

func TestCachedSourceErrorNotCached(t *testing.T) {
	backing := &countingSource{err: errors.New("database down")}
	cached := NewCachedSource(backing, CacheConfig{TTL: time.Minute})

	ctx := context.Background()
	if _, err := cached.CandidateRules(ctx, "org-1", EventLabOrderCreated); err == nil {
		t.Fatal("expected error from backing source")
	}

	backing.mu.Lock()
	backing.err = nil
	backing.mu.Unlock()

	if _, err := cached.CandidateRules(ctx, "org-1", EventLabOrderCreated); err != nil {
		t.Errorf("recovered source still erroring through cache: %v", err)
	}
}

func TestCachedSourceCopyIsolation(t *testing.T) {
	backing := &countingSource{rules: map[string][]*Rule{
		"org-1/" + EventLabOrderCreated: {testRule("r1", "org-1"), testRule("r2", "org-1")},
	}}
	cached := NewCachedSource(backing, CacheConfig{TTL: time.Minute})

	ctx := context.Background()
	first, _ := cached.CandidateRules(ctx, "org-1", EventLabOrderCreated)
	first[0], first[1] = first[1], first[0]

	second, _ := cached.CandidateRules(ctx, "org-1", EventLabOrderCreated)
	if second[0].ID != "r1" {
		t.Error("caller reorder leaked into the cached slice")
	}
}

func TestPayloadMap(t *testing.T) {
	event := &TriggerEvent{Payload: []byte(`{"status":"pending","order":{"type":"lab"}}`)}
	m, err := event.PayloadMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["status"] != "pending" {
		t.Errorf("status = %v", m["status"])
	}

	empty := &TriggerEvent{}
	m, err = empty.PayloadMap()
	if err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("empty payload decoded to %v", m)
	}

	bad := &TriggerEvent{Payload: []byte(`{"broken`)}
	if _, err := bad.PayloadMap(); err == nil {
		t.Error("expected error for malformed payload")
	}
}
