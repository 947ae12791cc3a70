// Package cache is the local coherent cache: a
// per-namespace in-memory map that lazily revalidates against the version
// registry within a bounded interval. The Cache interface and its dummy
// no-op sibling follow an interface-plus-mock shape: production code
// depends on the interface, and a trivial implementation satisfies it
// when the real behavior isn't wanted.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"beaverdb/versions"
)

// Cache is the contract every manager caches reads through.
type Cache interface {
	// Get returns the cached value for key and whether it was present.
	Get(key string) (any, bool)
	// Set stores value for key.
	Set(key string, value any)
	// Pop removes and returns key's value, if present.
	Pop(key string) (any, bool)
	// Touch bumps namespace's version in the registry and synchronizes this
	// cache's local version atomically, so a writer's own cache survives
	// its own write.
	Touch(ctx context.Context, namespace string) (uint64, error)
	// CheckInterval reports the configured revalidation interval.
	CheckInterval() time.Duration
	// Stats returns a snapshot of the hit/miss/invalidation counters.
	Stats() Stats
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits, Misses, Sets, Pops, Invalidations int64
}

// HitRate returns Hits / (Hits + Misses), or 0 when there have been no reads.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Local is the real, revalidating cache for one namespace.
type Local struct {
	namespace     string
	registry      *versions.Registry
	checkInterval time.Duration

	mu   sync.RWMutex
	data map[string]any

	checkMu       sync.Mutex // guards the revalidation gate against thundering checks
	lastCheck     time.Time
	localVersion  uint64

	hits, misses, sets, pops, invalidations atomic.Int64
}

// New builds a Local cache for namespace, polling registry at most once per
// checkInterval before deciding whether to invalidate. A zero (or negative)
// checkInterval revalidates on every read.
func New(namespace string, registry *versions.Registry, checkInterval time.Duration) *Local {
	if checkInterval < 0 {
		checkInterval = 0
	}
	return &Local{
		namespace:     namespace,
		registry:      registry,
		checkInterval: checkInterval,
		data:          make(map[string]any),
	}
}

func (c *Local) CheckInterval() time.Duration { return c.checkInterval }

// revalidate re-reads the namespace version from the registry if
// check_interval has elapsed since the last check, clearing the map on
// drift.
func (c *Local) revalidate(ctx context.Context) {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	if time.Since(c.lastCheck) < c.checkInterval {
		return
	}
	c.lastCheck = time.Now()

	remote, err := c.registry.Get(ctx, c.namespace)
	if err != nil {
		// A revalidation failure leaves the cache as-is; the next read
		// retries. Never surface a storage hiccup as a false invalidation.
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote != c.localVersion {
		c.data = make(map[string]any)
		c.localVersion = remote
		c.invalidations.Add(1)
	}
}

// Get checks the namespace version (subject to check_interval) and returns
// the cached value for key.
func (c *Local) Get(key string) (any, bool) {
	c.revalidate(context.Background())
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Local) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets.Add(1)
}

func (c *Local) Pop(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		delete(c.data, key)
		c.pops.Add(1)
	}
	return v, ok
}

func (c *Local) Touch(ctx context.Context, namespace string) (uint64, error) {
	v, err := c.registry.Bump(ctx, namespace)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.localVersion = v
	c.mu.Unlock()
	return v, nil
}

func (c *Local) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Pops:          c.pops.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// dummy satisfies Cache but never caches anything; used when caching is
// disabled.
type dummy struct {
	registry *versions.Registry
}

// NewDummy builds a Cache that always misses.
func NewDummy(registry *versions.Registry) Cache {
	return &dummy{registry: registry}
}

func (d *dummy) Get(string) (any, bool) { return nil, false }
func (d *dummy) Set(string, any)        {}
func (d *dummy) Pop(string) (any, bool) { return nil, false }
func (d *dummy) CheckInterval() time.Duration { return 0 }
func (d *dummy) Stats() Stats            { return Stats{} }

func (d *dummy) Touch(ctx context.Context, namespace string) (uint64, error) {
	if d.registry == nil {
		return 0, nil
	}
	return d.registry.Bump(ctx, namespace)
}
