package permit

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ResultCache memoizes evaluation results. A cached entry is never served
// past its TTL: Get evicts lazily, Purge sweeps proactively.
type ResultCache interface {
	Get(key string) (*EvaluationResult, bool)
	Set(key string, result *EvaluationResult, ttl time.Duration)
	Clear()
	// Purge drops expired entries and returns how many were removed.
	Purge(now time.Time) int
	Len() int
}

type cacheEntry struct {
	result    *EvaluationResult
	timestamp time.Time
	ttl       time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// MemoryResultCache is the default RWMutex-protected map cache.
type MemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{entries: make(map[string]*cacheEntry)}
}

func (c *MemoryResultCache) Get(key string) (*EvaluationResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		c.mu.Lock()
		// re-check under the write lock; a concurrent Set may have renewed it
		if cur, still := c.entries[key]; still && cur.expired(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.result, true
}

func (c *MemoryResultCache) Set(key string, result *EvaluationResult, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{result: result, timestamp: time.Now(), ttl: ttl}
	c.mu.Unlock()
}

func (c *MemoryResultCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}

func (c *MemoryResultCache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RistrettoResultCache backs the result cache with dgraph-io/ristretto for
// deployments with large hot key sets. TTL enforcement and size bounding are
// ristretto's, so Purge is a no-op.
type RistrettoResultCache struct {
	cache *ristretto.Cache
}

func NewRistrettoResultCache(numCounters, maxCost, bufferItems int64) (*RistrettoResultCache, error) {
	if numCounters <= 0 {
		numCounters = 1e6
	}
	if maxCost <= 0 {
		maxCost = 1 << 26
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoResultCache{cache: cache}, nil
}

func (c *RistrettoResultCache) Get(key string) (*EvaluationResult, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	res, ok := v.(*EvaluationResult)
	return res, ok
}

func (c *RistrettoResultCache) Set(key string, result *EvaluationResult, ttl time.Duration) {
	c.cache.SetWithTTL(key, result, 1, ttl)
	c.cache.Wait()
}

func (c *RistrettoResultCache) Clear() {
	c.cache.Clear()
}

func (c *RistrettoResultCache) Purge(time.Time) int { return 0 }

func (c *RistrettoResultCache) Len() int {
	return int(c.cache.Metrics.KeysAdded() - c.cache.Metrics.KeysEvicted())
}
