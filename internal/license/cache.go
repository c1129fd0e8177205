package license

import (
	"sync"
	"time"

	"gymdesk/pkg/contracts/domain"
)

// CacheEntry is the remembered outcome of the most recent validation
type CacheEntry struct {
	Outcome   domain.ValidationOutcome `json:"outcome"`
	CachedAt  time.Time                `json:"cached_at"`
	ExpiresAt time.Time                `json:"expires_at"`
	HitCount  int                      `json:"hit_count"`
}

// OutcomeCache keeps the latest validation outcome for a short TTL so the
// license gate does not hash the application tree on every request.
type OutcomeCache struct {
	entry     *CacheEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	hitCount  int64
	missCount int64
}

// NewOutcomeCache creates a cache; a non-positive ttl disables it
func NewOutcomeCache(ttl time.Duration) *OutcomeCache {
	return &OutcomeCache{ttl: ttl, now: time.Now}
}

// Get returns the cached outcome if it has not expired
func (c *OutcomeCache) Get() (domain.ValidationOutcome, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.entry == nil || !c.now().Before(c.entry.ExpiresAt) {
		c.missCount++
		return domain.ValidationOutcome{}, false
	}

	c.entry.HitCount++
	c.hitCount++
	return c.entry.Outcome, true
}

// Set stores outcome, replacing any previous one
func (c *OutcomeCache) Set(outcome domain.ValidationOutcome) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.entry = &CacheEntry{
		Outcome:   outcome,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// Invalidate drops the cached outcome
func (c *OutcomeCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entry = nil
}

// GetStats returns cache statistics
func (c *OutcomeCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	stats := map[string]interface{}{
		"cached":      c.entry != nil,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
	if c.entry != nil {
		stats["cached_at"] = c.entry.CachedAt
		stats["expires_at"] = c.entry.ExpiresAt
	}
	return stats
}
