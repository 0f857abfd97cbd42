package storage

import (
	"time"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// SeedFreshForTest writes only the fresh tier, applying max-timestamp-wins.
// This is intended for use in test code only.
func (c *MemoryPolicyCache) SeedFreshForTest(tenantID string, policy *domain.PolicyData, fetchedAt time.Time) bool {
	s := c.slot(tenantID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.fresh, domain.CacheEntry{Policy: policy, FetchedAt: fetchedAt})
}

// SeedLastKnownGoodForTest writes only the last-known-good tier, applying
// max-timestamp-wins. This is intended for use in test code only.
func (c *MemoryPolicyCache) SeedLastKnownGoodForTest(tenantID string, policy *domain.PolicyData, fetchedAt time.Time) bool {
	s := c.slot(tenantID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return replace(&s.lastKnownGood, domain.CacheEntry{Policy: policy, FetchedAt: fetchedAt})
}
