package antifraud

import (
	"context"
	"sync"
	"time"
)

// LocalCache is an in-process Cache used when Redis is unconfigured or
// unreachable; a janitor goroutine sweeps expired entries. The degraded
// flag it reports is the one fixed at construction (see NewLocalCache).
type LocalCache struct {
	mu          sync.Mutex
	entries     map[string]time.Time // key -> expiry
	greylisted  map[string]time.Time // key -> first-seen time
	greylistTTL time.Duration
	degraded    bool
}

// NewLocalCache starts the janitor goroutine and returns a ready cache.
// degraded marks whether this instance is standing in for a failed
// networked store (true) or is simply the configured dev/test backend
// (false, e.g. under SQLite/no-Redis profiles where no degraded signal
// should be raised).
func NewLocalCache(greylistTTL time.Duration, degraded bool) *LocalCache {
	c := &LocalCache{
		entries:     make(map[string]time.Time),
		greylisted:  make(map[string]time.Time),
		greylistTTL: greylistTTL,
		degraded:    degraded,
	}
	go c.janitor()
	return c
}

func (c *LocalCache) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for k, exp := range c.entries {
			if now.After(exp) {
				delete(c.entries, k)
			}
		}
		for k, seen := range c.greylisted {
			if now.Sub(seen) > c.greylistTTL*4 {
				delete(c.greylisted, k)
			}
		}
		c.mu.Unlock()
	}
}

func (c *LocalCache) markWithTTL(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false
	}
	c.entries[key] = now.Add(ttl)
	return true
}

func (c *LocalCache) CheckAndMarkReplay(ctx context.Context, key string) (bool, bool, error) {
	fresh := c.markWithTTL("replay:"+key, DefaultReplayTTL)
	return fresh, c.degraded, nil
}

func (c *LocalCache) CheckAndMarkContentHash(ctx context.Context, from, to, subject, body string) (bool, bool, error) {
	hash := ContentHash(from, to, subject, body)
	fresh := c.markWithTTL("content:"+hash, DefaultContentHashTTL)
	return fresh, c.degraded, nil
}

func (c *LocalCache) ShouldGreylistFirstContact(ctx context.Context, from, to string) (bool, bool, error) {
	key := from + ">" + to
	c.mu.Lock()
	defer c.mu.Unlock()

	seen, ok := c.greylisted[key]
	now := time.Now()
	if !ok {
		c.greylisted[key] = now
		return true, c.degraded, nil
	}
	if now.Sub(seen) < c.greylistTTL {
		return true, c.degraded, nil
	}
	return false, c.degraded, nil
}

func (c *LocalCache) MarkPostagePaid(ctx context.Context, from, to string) (bool, bool, error) {
	firstTime := c.markWithTTL("postage:"+from+">"+to, PostageTTL)
	return firstTime, c.degraded, nil
}
