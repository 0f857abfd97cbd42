// Package storage holds resolved tenant policies in memory across two tiers:
// a fresh tier that expires and a last-known-good tier that is only ever
// superseded by a newer successful fetch.
package storage

import (
	"time"

	"github.com/polisai/policy-resolver/pkg/domain"
)

// TieredPolicyCache exposes the per-tenant cache operations used by the
// resolver. Implementations must be safe for concurrent use and apply
// max-timestamp-wins on every write.
type TieredPolicyCache interface {
	// Fresh returns the fresh-tier entry, including invalidated ones.
	Fresh(tenantID string) (domain.CacheEntry, bool)
	// LastKnownGood returns the last-known-good entry.
	LastKnownGood(tenantID string) (domain.CacheEntry, bool)
	// Commit writes policy to both tiers stamped with fetchedAt. It returns
	// the fresh entry that is stored afterwards and whether policy won. A
	// fetch that started before the tenant's latest invalidation is stored
	// already invalidated in the fresh tier.
	Commit(tenantID string, policy *domain.PolicyData, fetchedAt time.Time) (domain.CacheEntry, bool)
	// Invalidate marks the tenant's fresh entry as expired as of at. The
	// entry stays available as a stale fallback and last-known-good is left
	// untouched.
	Invalidate(tenantID string, at time.Time)
	// InvalidateAll invalidates the fresh tier of every tenant as of at.
	InvalidateAll(at time.Time)
	Stats() CacheStats
}

// CacheStats summarizes cache contents and write activity.
type CacheStats struct {
	Tenants            int `json:"tenants"`
	FreshEntries       int `json:"fresh_entries"`
	InvalidatedEntries int `json:"invalidated_entries"`
	LastKnownGood      int `json:"last_known_good_entries"`
	Commits            int `json:"commits"`
	SupersededWrites   int `json:"superseded_writes"`
}
