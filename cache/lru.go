// Package cache provides the bounded in-memory layers of the timeline
// archive: a recency (LRU) cache for tick records and a tick-ordered cache
// for checkpoints.
package cache

import (
	"container/list"
	"errors"
	"expvar"
	"sync"
)

// ErrInvalidCapacity is returned when a cache is constructed with a
// capacity that is not a positive integer.
var ErrInvalidCapacity = errors.New("cache capacity must be a positive integer")

// lruEntry holds the key and value for a cache item.
type lruEntry[V any] struct {
	key   uint64
	value V
}

// LRUCache is a fixed-size cache keyed by tick number with
// least-recently-used eviction. Recency is refreshed by both Get and Put;
// when an insert exceeds capacity, exactly the single least-recently-touched
// entry is evicted. All operations are O(1) amortized.
type LRUCache[V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[uint64]*list.Element
	onEvicted  func(key uint64, value V)
	onHit      func(key uint64)
	onMiss     func(key uint64)

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRUCache creates a new LRUCache. Capacity must be positive; there is
// no "disabled" mode, a caller that wants no caching should not construct one.
func NewLRUCache[V any](capacity int, onEvicted func(key uint64, value V), onHit, onMiss func(key uint64)) (*LRUCache[V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &LRUCache[V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[uint64]*list.Element),
		onEvicted:  onEvicted,
		onHit:      onHit,
		onMiss:     onMiss,
	}, nil
}

// SetMetrics wires expvar counters for hit/miss accounting.
func (c *LRUCache[V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache, refreshing its recency on a hit.
func (c *LRUCache[V]) Get(key uint64) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry[V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	var zero V
	return zero, false
}

// Put adds or updates a value, refreshing its recency.
func (c *LRUCache[V]) Put(key uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*lruEntry[V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	newEntry := &lruEntry[V]{key: key, value: value}
	element := c.lruList.PushFront(newEntry)
	c.cacheItems[key] = element
}

// Delete removes a key without invoking the eviction callback. It reports
// whether the key was present.
func (c *LRUCache[V]) Delete(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.cacheItems, key)
	return true
}

// Keys returns an unordered snapshot of the cached keys.
func (c *LRUCache[V]) Keys() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]uint64, 0, len(c.cacheItems))
	for key := range c.cacheItems {
		keys = append(keys, key)
	}
	return keys
}

// Values returns an unordered snapshot of the cached values.
func (c *LRUCache[V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]V, 0, len(c.cacheItems))
	for _, elem := range c.cacheItems {
		values = append(values, elem.Value.(*lruEntry[V]).value)
	}
	return values
}

// Len returns the current number of items in the cache.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *LRUCache[V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removedEntry := c.lruList.Remove(elem).(*lruEntry[V])
		delete(c.cacheItems, removedEntry.key)
		if c.onEvicted != nil {
			c.onEvicted(removedEntry.key, removedEntry.value)
		}
	}
}

// Clear removes all entries from the cache. The eviction callback runs for
// every removed item so owners can release tracked resources.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*lruEntry[V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[uint64]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate, for expvar.Func publishing.
func (c *LRUCache[V]) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
