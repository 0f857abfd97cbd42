package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// MemoryPolicyCache is an in-memory TieredPolicyCache. Each tenant owns a
// slot with its own mutex, so writers for different tenants never contend.
type MemoryPolicyCache struct {
	mu    sync.RWMutex
	slots map[string]*tenantSlot
	// allInvalidatedAt is the time of the last InvalidateAll.
	allInvalidatedAt time.Time

	commits    atomic.Int64
	superseded atomic.Int64
}

type tenantSlot struct {
	mu            sync.Mutex
	fresh         *domain.CacheEntry
	lastKnownGood *domain.CacheEntry
	invalidatedAt time.Time
}

var _ TieredPolicyCache = (*MemoryPolicyCache)(nil)

// NewMemoryPolicyCache creates an empty cache.
func NewMemoryPolicyCache() *MemoryPolicyCache {
	return &MemoryPolicyCache{
		slots: make(map[string]*tenantSlot),
	}
}

func (c *MemoryPolicyCache) slot(tenantID string, create bool) *tenantSlot {
	c.mu.RLock()
	s, ok := c.slots[tenantID]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[tenantID]; ok {
		return s
	}
	s = &tenantSlot{}
	c.slots[tenantID] = s
	return s
}

// Fresh returns the tenant's fresh-tier entry.
func (c *MemoryPolicyCache) Fresh(tenantID string) (domain.CacheEntry, bool) {
	s := c.slot(tenantID, false)
	if s == nil {
		return domain.CacheEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh == nil {
		return domain.CacheEntry{}, false
	}
	return *s.fresh, true
}

// LastKnownGood returns the tenant's last-known-good entry.
func (c *MemoryPolicyCache) LastKnownGood(tenantID string) (domain.CacheEntry, bool) {
	s := c.slot(tenantID, false)
	if s == nil {
		return domain.CacheEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKnownGood == nil {
		return domain.CacheEntry{}, false
	}
	return *s.lastKnownGood, true
}

// Commit stores policy in both tiers unless either already holds a newer
// result. Equal timestamps replace the stored entry. A result fetched before
// the latest invalidation lands in the fresh tier already invalidated.
func (c *MemoryPolicyCache) Commit(tenantID string, policy *domain.PolicyData, fetchedAt time.Time) (domain.CacheEntry, bool) {
	s := c.slot(tenantID, true)
	cutoff := c.invalidatedAllAt()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidatedAt.After(cutoff) {
		cutoff = s.invalidatedAt
	}
	entry := domain.CacheEntry{Policy: policy, FetchedAt: fetchedAt}
	fresh := entry
	fresh.Invalidated = fetchedAt.Before(cutoff)
	won := replace(&s.fresh, fresh)
	replace(&s.lastKnownGood, entry)

	c.commits.Add(1)
	if !won {
		c.superseded.Add(1)
	}
	return *s.fresh, won
}

func replace(current **domain.CacheEntry, entry domain.CacheEntry) bool {
	if *current != nil && entry.FetchedAt.Before((*current).FetchedAt) {
		return false
	}
	*current = &entry
	return true
}

// Invalidate marks the tenant's fresh entry as expired. Fetches that started
// before at and commit later are stored invalidated too.
func (c *MemoryPolicyCache) Invalidate(tenantID string, at time.Time) {
	c.slot(tenantID, true).invalidate(at)
}

// InvalidateAll marks every tenant's fresh entry as expired, including
// tenants whose first fetch is still in flight.
func (c *MemoryPolicyCache) InvalidateAll(at time.Time) {
	c.mu.Lock()
	if at.After(c.allInvalidatedAt) {
		c.allInvalidatedAt = at
	}
	slots := make([]*tenantSlot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	for _, s := range slots {
		s.invalidate(at)
	}
}

func (c *MemoryPolicyCache) invalidatedAllAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allInvalidatedAt
}

func (s *tenantSlot) invalidate(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.invalidatedAt) {
		s.invalidatedAt = at
	}
	if s.fresh == nil || s.fresh.Invalidated {
		return
	}
	invalidated := *s.fresh
	invalidated.Invalidated = true
	s.fresh = &invalidated
}

// Stats returns a snapshot of cache counters.
func (c *MemoryPolicyCache) Stats() CacheStats {
	c.mu.RLock()
	slots := make([]*tenantSlot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.RUnlock()

	stats := CacheStats{
		Commits:          int(c.commits.Load()),
		SupersededWrites: int(c.superseded.Load()),
	}
	for _, s := range slots {
		s.mu.Lock()
		if s.fresh != nil || s.lastKnownGood != nil {
			stats.Tenants++
		}
		if s.fresh != nil {
			stats.FreshEntries++
			if s.fresh.Invalidated {
				stats.InvalidatedEntries++
			}
		}
		if s.lastKnownGood != nil {
			stats.LastKnownGood++
		}
		s.mu.Unlock()
	}
	return stats
}
