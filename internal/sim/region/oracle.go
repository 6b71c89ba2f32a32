package region

import (
	"sync"
	"sync/atomic"
)

// DefaultCacheCapacity bounds the oracle cache when no capacity is configured.
const DefaultCacheCapacity = 10000

// Predicate answers whether a region is eligible for discovery. Implementations
// may be expensive (terrain inspection); the Oracle only calls them on a cache miss.
type Predicate interface {
	Valid(k Key) bool
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(k Key) bool

func (f PredicateFunc) Valid(k Key) bool { return f(k) }

type OracleStats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Oracle memoizes Predicate results per region with a bounded cache. When an
// insert would exceed capacity the cache is trimmed to 80% of capacity by
// dropping arbitrary entries; no LRU ordering is kept.
type Oracle struct {
	pred     Predicate
	capacity int

	mu    sync.RWMutex
	cache map[Key]bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func NewOracle(pred Predicate, capacity int) *Oracle {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Oracle{
		pred:     pred,
		capacity: capacity,
		cache:    make(map[Key]bool, capacity),
	}
}

func (o *Oracle) IsValidRegion(k Key) bool {
	if k.Validate() != nil {
		return false
	}
	o.mu.RLock()
	v, ok := o.cache[k]
	o.mu.RUnlock()
	if ok {
		o.hits.Add(1)
		return v
	}
	o.misses.Add(1)

	// The predicate runs outside the lock; two concurrent misses for the same key
	// both evaluate it and agree on the result.
	v = o.pred != nil && o.pred.Valid(k)

	o.mu.Lock()
	if _, exists := o.cache[k]; !exists {
		if len(o.cache) >= o.capacity {
			o.trimLocked()
		}
		o.cache[k] = v
	}
	o.mu.Unlock()
	return v
}

func (o *Oracle) trimLocked() {
	target := o.capacity * 8 / 10
	for k := range o.cache {
		if len(o.cache) <= target {
			break
		}
		delete(o.cache, k)
		o.evictions.Add(1)
	}
}

func (o *Oracle) Invalidate(k Key) {
	o.mu.Lock()
	delete(o.cache, k)
	o.mu.Unlock()
}

func (o *Oracle) InvalidateWorld(world string) {
	o.mu.Lock()
	for k := range o.cache {
		if k.World == world {
			delete(o.cache, k)
		}
	}
	o.mu.Unlock()
}

func (o *Oracle) Clear() {
	o.mu.Lock()
	o.cache = make(map[Key]bool, o.capacity)
	o.mu.Unlock()
}

func (o *Oracle) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.cache)
}

func (o *Oracle) Stats() OracleStats {
	return OracleStats{
		Size:      o.Len(),
		Capacity:  o.capacity,
		Hits:      o.hits.Load(),
		Misses:    o.misses.Load(),
		Evictions: o.evictions.Load(),
	}
}
