package settlement

import (
	"maps"
	"sync"
	"time"

	"github.com/vitwit/x402-connector/types"
)

// Cache stores settlement outcomes by payment header.
type Cache interface {
	Get(key string) (*types.SettlementResult, bool)
	Set(key string, result *types.SettlementResult)
}

type cacheEntry struct {
	result   *types.SettlementResult
	storedAt time.Time
}

// MemoryCache is an in-process Cache. Entries older than ttl are dropped; a
// zero ttl keeps them for the life of the process.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(key string) (*types.SettlementResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.expired(e, c.now()) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && c.expired(cur, c.now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return cloneResult(e.result), true
}

func (c *MemoryCache) Set(key string, result *types.SettlementResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.ttl > 0 {
		for k, e := range c.entries {
			if c.expired(e, now) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{result: cloneResult(result), storedAt: now}
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) expired(e cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl
}

func cloneResult(r *types.SettlementResult) *types.SettlementResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Receipt = maps.Clone(r.Receipt)
	return &out
}
