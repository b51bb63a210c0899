// Package cluster provides the cluster-coordinated, invalidate-on-write
// cache used for ancestor lookups.
//
// The cache is a load-on-miss value cache with explicit invalidation,
// never a write-through value cache: writers invalidate the changed key
// and the next reader reloads from the source of truth, which avoids
// stale-value propagation under multiple writers.
//
// Backend requirement (not an implementation detail): a write's
// invalidation must be visible to every process in the cluster before
// that process's next read of the changed key, and an invalidate-then-
// reload sequence must never resurrect a value older than the write that
// triggered the invalidation. The in-process implementation here
// satisfies both trivially; a distributed backend must provide the same
// guarantees behind the same interface.
package cluster

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader loads the value for a key on cache miss. The boolean reports
// whether the key exists at the source; an error means the load failed
// and must not be confused with absence.
type Loader func(ctx context.Context, key string) (string, bool, error)

// Manager creates named caches. One Manager is shared per process.
type Manager struct {
	mu     sync.Mutex
	caches map[string]*Cache
}

// NewManager creates a cache manager.
func NewManager() *Manager {
	return &Manager{caches: make(map[string]*Cache)}
}

// CreateCache creates (or returns the existing) cache with the given name,
// loading values through loader on miss.
func (m *Manager) CreateCache(name string, loader Loader) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c
	}
	c := &Cache{
		name:    name,
		loader:  loader,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
	m.caches[name] = c
	return c
}

type cacheEntry struct {
	value   string
	present bool
}

// Cache is one named load-on-miss cache. Concurrent reads are lock-free
// of the loader; concurrent misses of the same key are deduplicated so at
// most one load is in flight per key.
type Cache struct {
	name   string
	loader Loader

	mu      sync.RWMutex
	entries map[string]cacheEntry
	// gens guards against a load begun before an invalidation storing
	// its (potentially stale) result after the invalidation.
	gens map[string]uint64

	group singleflight.Group
}

// Get returns the cached value for key, loading it on miss. The boolean
// reports whether the key exists at the source. A load error is returned
// as-is; nothing is cached in that case.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	gen := c.gens[key]
	c.mu.RUnlock()
	if ok {
		return e.value, e.present, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, present, err := c.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		loaded := cacheEntry{value: value, present: present}

		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = loaded
		}
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return "", false, err
	}
	loaded := v.(cacheEntry)
	return loaded.value, loaded.present, nil
}

// Invalidate drops the cached value for key. Subsequent reads reload from
// the source; an in-flight load begun before the invalidation will not be
// stored.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Name returns the cache's name.
func (c *Cache) Name() string {
	return c.name
}
