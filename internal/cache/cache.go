package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ryuqq/fileflow/internal/metrics"
)

// Loader fetches a value from the backing store on a cache miss.
type Loader[V any] func(ctx context.Context) (V, error)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a cache-aside TTL cache. Unexpired entries are always served
// without touching the backing store; expired or absent entries invoke the
// loader, with concurrent misses for the same key coalesced into a single
// loader call. Loader errors are returned, never papered over with stale
// data past TTL.
type TTLCache[V any] struct {
	name   string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	gens    map[string]uint64
	group   singleflight.Group

	now func() time.Time
}

// New builds a TTLCache. name labels metrics; ttl is fixed per category and
// not caller-configurable beyond construction.
func New[V any](name string, ttl time.Duration, logger *slog.Logger) *TTLCache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLCache[V]{
		name:    name,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]cacheEntry[V]),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
}

// GetOrLoad returns the cached value if fresh, otherwise calls loader and
// populates the cache. Exactly one loader call is made per miss regardless
// of concurrent readers.
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have populated the entry between the
		// miss and this call.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		c.mu.RLock()
		gen := c.gens[key]
		c.mu.RUnlock()
		v, err := loader(ctx)
		if err != nil {
			c.logger.Warn("cache.load.failed", "cache", c.name, "key", key, "err", err)
			return nil, err
		}
		c.mu.Lock()
		// An Invalidate that landed while the loader was reading the
		// backing store bumps the generation; the now-stale result is
		// returned to this flight's callers but not cached.
		if c.gens[key] == gen {
			c.entries[key] = cacheEntry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Invalidate removes an entry immediately. Called after grant/setting
// mutations so the next read reloads from the source of truth; an in-flight
// load started before the invalidation will not repopulate the entry.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
	c.logger.Debug("cache.invalidate", "cache", c.name, "key", key)
}

func (c *TTLCache[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		// Lazy eviction on expiry check.
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}
