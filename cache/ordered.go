package cache

import (
	"expvar"
	"sync"

	"github.com/INLOpen/skiplist"
)

// tickDescending orders ticks from highest to lowest. With this comparator
// a Seek(t) lands on the first element whose tick is <= t numerically,
// which makes the at-or-before lookup a single O(log n) descent.
func tickDescending(a, b uint64) int {
	if a > b {
		return -1
	}
	if a < b {
		return 1
	}
	return 0
}

// OrderedCache is a bounded tick-ordered cache. It serves the checkpoint
// side of the archive, where lookups are "largest tick at or before T"
// rather than exact keys. When capacity is exceeded the lowest tick is
// evicted; the oldest checkpoint is the least useful for seeking near the
// present.
type OrderedCache[V any] struct {
	mu       sync.RWMutex
	capacity int
	data     *skiplist.SkipList[uint64, V]

	hits   *expvar.Int
	misses *expvar.Int
}

// NewOrderedCache creates a new OrderedCache. Capacity must be positive.
func NewOrderedCache[V any](capacity int) (*OrderedCache[V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &OrderedCache[V]{
		capacity: capacity,
		data:     skiplist.NewWithComparator[uint64, V](tickDescending),
	}, nil
}

// SetMetrics wires expvar counters for hit/miss accounting.
func (c *OrderedCache[V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Put adds or updates the value for a tick, evicting the lowest tick if
// the insert pushed the cache over capacity.
func (c *OrderedCache[V]) Put(tick uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data.Insert(tick, value)
	if c.data.Len() > c.capacity {
		c.dropLowest()
	}
}

// Get retrieves the value stored for exactly this tick.
func (c *OrderedCache[V]) Get(tick uint64) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	node, ok := c.data.Seek(tick)
	if ok && node.Key() == tick {
		c.recordHit()
		return node.Value(), true
	}
	c.recordMiss()
	var zero V
	return zero, false
}

// AtOrBefore returns the entry with the largest tick <= the target, if any.
func (c *OrderedCache[V]) AtOrBefore(tick uint64) (uint64, V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	node, ok := c.data.Seek(tick)
	if !ok {
		c.recordMiss()
		var zero V
		return 0, zero, false
	}
	c.recordHit()
	return node.Key(), node.Value(), true
}

// DeleteAfter removes every entry with tick > cut.
func (c *OrderedCache[V]) DeleteAfter(cut uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild(func(tick uint64) bool { return tick <= cut })
}

// Delete removes the entry for exactly this tick, if present.
func (c *OrderedCache[V]) Delete(tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.data.Seek(tick)
	if !ok || node.Key() != tick {
		return
	}
	c.rebuild(func(t uint64) bool { return t != tick })
}

// Keys returns the cached ticks in ascending order.
func (c *OrderedCache[V]) Keys() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]uint64, 0, c.data.Len())
	iter := c.data.NewIterator(skiplist.WithReverse[uint64, V]())
	for iter.Next() {
		keys = append(keys, iter.Key())
	}
	return keys
}

// Len returns the current number of items in the cache.
func (c *OrderedCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Len()
}

// Clear removes all entries.
func (c *OrderedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = skiplist.NewWithComparator[uint64, V](tickDescending)
}

// dropLowest evicts the single lowest tick. Must be called with c.mu locked.
func (c *OrderedCache[V]) dropLowest() {
	iter := c.data.NewIterator(skiplist.WithReverse[uint64, V]())
	if !iter.Next() {
		return
	}
	lowest := iter.Key()
	c.rebuild(func(tick uint64) bool { return tick != lowest })
}

// rebuild replaces the skiplist keeping only entries the predicate accepts.
// The skiplist exposes no point removal, but at checkpoint-cache scale
// (tens of entries) a copy is cheap and truncation is rare.
// Must be called with c.mu locked.
func (c *OrderedCache[V]) rebuild(keep func(tick uint64) bool) {
	fresh := skiplist.NewWithComparator[uint64, V](tickDescending)
	c.data.Range(func(tick uint64, value V) bool {
		if keep(tick) {
			fresh.Insert(tick, value)
		}
		return true
	})
	c.data = fresh
}

func (c *OrderedCache[V]) recordHit() {
	if c.hits != nil {
		c.hits.Add(1)
	}
}

func (c *OrderedCache[V]) recordMiss() {
	if c.misses != nil {
		c.misses.Add(1)
	}
}
