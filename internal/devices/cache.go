package devices

import (
	"sync"
	"time"
)

// missCache remembers fingerprints that the registry reported as
// unregistered, each for ttl. Found certificates are never cached so that a
// revocation made through any replica takes effect on the next lookup.
type missCache struct {
	mu      sync.RWMutex
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newMissCache(ttl time.Duration) *missCache {
	return &missCache{
		expires: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *missCache) has(fp string) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.expires[fp]
	return ok && !c.now().After(exp)
}

func (c *missCache) add(fp string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[fp] = c.now().Add(c.ttl)
}

func (c *missCache) invalidate(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, fp)
}

// evict removes all expired entries and returns how many were dropped.
func (c *missCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for fp, exp := range c.expires {
		if now.After(exp) {
			delete(c.expires, fp)
			n++
		}
	}
	return n
}
