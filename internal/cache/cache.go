package cache

import (
	"sync"
)

// ForwardResult holds the outputs of one forward pass.
type ForwardResult struct {
	O []float32
	L []float32
}

// ResultCache defines a generic interface for caching forward results.
// The kernel is deterministic, so a cached result is bit identical to
// a recomputed one.
type ResultCache interface {
	// Get retrieves a result from the cache.
	Get(key uint64) (ForwardResult, bool)
	// Put stores a result in the cache.
	Put(key uint64, res ForwardResult)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of ResultCache holding
// at most maxEntries results.
type MapCache struct {
	data       map[uint64]ForwardResult
	mu         sync.RWMutex
	maxEntries int
}

func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64]ForwardResult),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key uint64) (ForwardResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return a copy to avoid modification of the cached value
	if res, ok := c.data[key]; ok {
		return copyResult(res), true
	}
	return ForwardResult{}, false
}

func (c *MapCache) Put(key uint64, res ForwardResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		// Evict an arbitrary entry to hold the bound.
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	// Store a copy
	c.data[key] = copyResult(res)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func copyResult(res ForwardResult) ForwardResult {
	out := ForwardResult{
		O: make([]float32, len(res.O)),
		L: make([]float32, len(res.L)),
	}
	copy(out.O, res.O)
	copy(out.L, res.L)
	return out
}
