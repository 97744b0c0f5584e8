package snapshot

import (
	"context"
	"sync"
	"time"
)

// RefreshFunc fans out to the sampler engine and blocks until all
// samplers have completed one refresh pass.
type RefreshFunc func(ctx context.Context) error

// BuildFunc assembles a fresh Snapshot from the registry.
type BuildFunc func() Snapshot

// Cache serves the most recently built Snapshot for any request arriving
// within ttl of the cache's build time, so concurrent requests share a
// single fan-out. The cache is invalidated purely
// by build time, never by mutation of the underlying registry.
type Cache struct {
	ttl     time.Duration
	refresh RefreshFunc
	build   BuildFunc

	mu        sync.Mutex
	built     time.Time
	cached    Snapshot
	hasValue  bool
}

// NewCache constructs a TTL-fronted snapshot cache.
func NewCache(ttl time.Duration, refresh RefreshFunc, build BuildFunc) *Cache {
	return &Cache{ttl: ttl, refresh: refresh, build: build}
}

// Get returns the cached snapshot if built within ttl of now, otherwise
// triggers refresh+build and caches the result. Concurrent callers
// arriving during a miss share the single resulting build. A client
// reading slower than production simply sees newer cached snapshots;
// nothing is queued on its behalf.
func (c *Cache) Get(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasValue && time.Since(c.built) < c.ttl {
		return c.cached, nil
	}

	if err := c.refresh(ctx); err != nil {
		return Snapshot{}, err
	}
	c.cached = c.build()
	c.built = time.Now()
	c.hasValue = true
	return c.cached, nil
}

// BuildTime returns the wall-clock time the currently cached snapshot
// was built, or the zero time if nothing has been built yet.
func (c *Cache) BuildTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.built
}
