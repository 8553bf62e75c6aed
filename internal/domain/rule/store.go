package rule

import (
	"context"
	"sync"
	"time"
)

// Source returns the active rules for one organization and trigger event,
// ordered by priority descending with creation time ascending as the tie
// break. Implementations must return a deterministic, stable order.
type Source interface {
	CandidateRules(ctx context.Context, orgID, eventType string) ([]*Rule, error)
}

// CacheConfig bounds the staleness of the candidate-rule cache.
type CacheConfig struct {
	// TTL is the maximum staleness of a cached candidate set. A disabled
	// rule must disappear from candidate sets within this bound.
	TTL time.Duration
}

// DefaultCacheConfig keeps staleness within the 5s contract.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 5 * time.Second}
}

// CachedSource fronts a Source with a per-(org, event) TTL cache. It is
// read-only from the engine's perspective; Invalidate is called by the rule
// administration layer on create/update/disable.
type CachedSource struct {
	source Source
	config CacheConfig

	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
}

type cacheKey struct {
	orgID     string
	eventType string
}

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// NewCachedSource wraps a source with a bounded-staleness cache.
func NewCachedSource(source Source, cfg CacheConfig) *CachedSource {
	if cfg.TTL <= 0 {
		cfg = DefaultCacheConfig()
	}
	return &CachedSource{
		source:  source,
		config:  cfg,
		entries: make(map[cacheKey]*cacheEntry),
	}
}

// CandidateRules returns the cached candidate set when fresh, otherwise
// reloads from the backing source.
func (c *CachedSource) CandidateRules(ctx context.Context, orgID, eventType string) ([]*Rule, error) {
	key := cacheKey{orgID: orgID, eventType: eventType}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.cachedAt) <= c.config.TTL {
		return copyRules(entry.rules), nil
	}

	rules, err := c.source.CandidateRules(ctx, orgID, eventType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{rules: copyRules(rules), cachedAt: time.Now()}
	c.mu.Unlock()

	return rules, nil
}

// Invalidate drops cached candidate sets for the organization so a rule
// change is visible on the next fetch. An empty orgID clears everything.
func (c *CachedSource) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if orgID == "" {
		c.entries = make(map[cacheKey]*cacheEntry)
		return
	}
	for key := range c.entries {
		if key.orgID == orgID {
			delete(c.entries, key)
		}
	}
}

// copyRules returns a shallow copy so callers cannot reorder cached slices.
func copyRules(rules []*Rule) []*Rule {
	out := make([]*Rule, len(rules))
	copy(out, rules)
	return out
}
