package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so that a transport redelivering
// the same event does not reach the pipeline twice.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	seen    map[string]time.Time
	now     func() time.Time
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within the TTL.
// Empty keys are never duplicates.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.evict(now)
	}
	c.seen[key] = now
	return false
}

// Forget removes key so the next delivery of it is processed again.
func (c *DedupeCache) Forget(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}

// evict drops expired entries, then the oldest ones if still at capacity.
func (c *DedupeCache) evict(now time.Time) {
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, at := range c.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(c.seen, oldestKey)
	}
}
