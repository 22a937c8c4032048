package backup

import (
	"context"
	"sync"
	"time"
)

// RetentionPolicy is what the runner and service need to know about an
// owner's schedule when computing expiry.
type RetentionPolicy struct {
	RetentionDays int
	BackupType    string
}

type policyEntry struct {
	value     RetentionPolicy
	fetchedAt time.Time
}

// policyCache caches per-owner retention policies read from the registry.
// Entries older than ttl are refetched; Invalidate drops one owner after
// their schedule changes.
type policyCache struct {
	registry    Registry
	ttl         time.Duration
	defaultDays int
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]policyEntry
}

func newPolicyCache(registry Registry, ttl time.Duration, defaultDays int) *policyCache {
	if defaultDays <= 0 {
		defaultDays = DefaultRetentionDays
	}
	return &policyCache{
		registry:    registry,
		ttl:         ttl,
		defaultDays: defaultDays,
		now:         time.Now,
		entries:     make(map[string]policyEntry),
	}
}

// Get returns the owner's policy. Owners without a schedule get the default
// retention.
func (c *policyCache) Get(ctx context.Context, ownerID string) (RetentionPolicy, error) {
	c.mu.Lock()
	entry, ok := c.entries[ownerID]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.value, nil
	}

	policy := RetentionPolicy{RetentionDays: c.defaultDays}
	schedule, err := c.registry.GetSchedule(ctx, ownerID)
	switch {
	case err == nil:
		if schedule.RetentionDays > 0 {
			policy.RetentionDays = schedule.RetentionDays
		}
		policy.BackupType = schedule.BackupType
	case IsType(err, BackupErrorTypeNotFound):
	default:
		return RetentionPolicy{}, err
	}

	c.mu.Lock()
	c.entries[ownerID] = policyEntry{value: policy, fetchedAt: c.now()}
	c.mu.Unlock()
	return policy, nil
}

// Invalidate forgets the cached policy for one owner.
func (c *policyCache) Invalidate(ownerID string) {
	c.mu.Lock()
	delete(c.entries, ownerID)
	c.mu.Unlock()
}

// Reset forgets every cached policy.
func (c *policyCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]policyEntry)
	c.mu.Unlock()
}
