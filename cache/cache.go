// Package cache provides a size-bounded cache with in-flight
// de-duplication. The loader keeps compiled modules in it, keyed by
// content digest.
//
// A Cache is an explicit object with a lifecycle: create it with New when
// the owning component starts, and Close it when that component shuts
// down. Values leaving the cache, by eviction, Remove or Close, are
// passed to the release callback exactly once.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	wlerrors "github.com/wippyai/wasm-loader/errors"
)

// DefaultSize is the entry limit used when New is given a non-positive size.
const DefaultSize = 64

// Stats is a snapshot of cache counters. Evictions counts every released
// value, including removals and purges.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Shared    uint64 `json:"shared"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	entries *lru.Cache[string, V]
	group   singleflight.Group
	release func(key string, v V)
	maxSize int

	mu     sync.RWMutex
	closed bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	shared    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding up to size entries. release, if non-nil, is
// called for every value that leaves the cache.
func New[V any](size int, release func(key string, v V)) (*Cache[V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache[V]{release: release, maxSize: size}
	entries, err := lru.NewWithEvict[string, V](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

func (c *Cache[V]) onEvict(key string, v V) {
	c.evictions.Add(1)
	if c.release != nil {
		c.release(key, v)
	}
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	if c.closed {
		return zero, false
	}
	v, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return v, true
}

// Add stores v under key, replacing and releasing any previous value.
func (c *Cache[V]) Add(key string, v V) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return wlerrors.Closed("cache")
	}
	c.entries.Add(key, v)
	return nil
}

// GetOrCreate returns the cached value for key, or runs create once for all
// concurrent callers asking for the same key and caches its result. hit
// reports whether the value came from the cache or was shared with
// concurrent callers.
//
// If ctx is done before create finishes, GetOrCreate returns ctx.Err() and
// the shared create keeps running for the remaining callers.
func (c *Cache[V]) GetOrCreate(ctx context.Context, key string, create func() (V, error)) (v V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return v, false, wlerrors.Closed("cache")
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.entries.Peek(key); ok {
			return v, nil
		}
		v, err := create()
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.closed {
			if c.release != nil {
				c.release(key, v)
			}
			return nil, wlerrors.Closed("cache")
		}
		c.entries.Add(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, false, res.Err
		}
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val.(V), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Remove drops key, releasing its value. It reports whether key was present.
func (c *Cache[V]) Remove(key string) bool {
	return c.entries.Remove(key)
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

// Keys returns cached keys from oldest to newest.
func (c *Cache[V]) Keys() []string {
	return c.entries.Keys()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Shared:    c.shared.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.entries.Len(),
		MaxSize:   c.maxSize,
	}
}

// Close releases every entry and rejects further writes. Creates still in
// flight release their value instead of caching it. Close is idempotent.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.entries.Purge()
}
