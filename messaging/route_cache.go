package messaging

import (
	"sync"
	"sync/atomic"
)

// DefaultRouteCacheCapacity bounds a RouteCache created with capacity <= 0
const DefaultRouteCacheCapacity = 4096

// RouteCache memoizes resolutions. Reads load an immutable map without
// locking. A miss computes the value once under the writer mutex and
// publishes a copy of the map with the new entry. Entries are never evicted;
// once the cache is full, values are computed but not stored.
type RouteCache[K comparable, V any] struct {
	entries  atomic.Pointer[map[K]V]
	mu       sync.Mutex
	capacity int
}

// NewRouteCache creates an empty cache holding at most capacity entries
func NewRouteCache[K comparable, V any](capacity int) *RouteCache[K, V] {
	if capacity <= 0 {
		capacity = DefaultRouteCacheCapacity
	}
	c := &RouteCache[K, V]{capacity: capacity}
	empty := make(map[K]V)
	c.entries.Store(&empty)
	return c
}

// Get returns the cached value for key
func (c *RouteCache[K, V]) Get(key K) (V, bool) {
	v, ok := (*c.entries.Load())[key]
	return v, ok
}

// GetOrCompute returns the cached value or computes and caches it. Errors
// are returned and not cached.
func (c *RouteCache[K, V]) GetOrCompute(key K, compute func(K) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.entries.Load()
	if v, ok := current[key]; ok {
		return v, nil
	}

	v, err := compute(key)
	if err != nil {
		return v, err
	}
	if len(current) >= c.capacity {
		return v, nil
	}

	next := make(map[K]V, len(current)+1)
	for k, existing := range current {
		next[k] = existing
	}
	next[key] = v
	c.entries.Store(&next)
	return v, nil
}

// Len returns the number of cached entries
func (c *RouteCache[K, V]) Len() int {
	return len(*c.entries.Load())
}

// Values returns a snapshot of cached values
func (c *RouteCache[K, V]) Values() []V {
	current := *c.entries.Load()
	out := make([]V, 0, len(current))
	for _, v := range current {
		out = append(out, v)
	}
	return out
}

// Reset drops every entry. Used when routing configuration changes.
func (c *RouteCache[K, V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	empty := make(map[K]V)
	c.entries.Store(&empty)
}
