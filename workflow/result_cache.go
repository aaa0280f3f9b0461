package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentcore/internal/cache"
	"github.com/BaSui01/agentcore/internal/metrics"
)

// ResultCache stores node results by cache key. Writes are last-writer-wins;
// recomputation is idempotent so no stronger guarantee is needed.
type ResultCache interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// MemoryResultCache is an in-process ResultCache with TTL eviction.
type MemoryResultCache struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	now       func() time.Time
	collector *metrics.Collector
}

type memoryEntry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// NewMemoryResultCache creates an empty in-memory cache.
func NewMemoryResultCache(collector *metrics.Collector) *MemoryResultCache {
	return &MemoryResultCache{
		entries:   make(map[string]memoryEntry),
		now:       time.Now,
		collector: collector,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *MemoryResultCache) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// re-check: a concurrent Set may have refreshed the entry
		if cur, still := c.entries[key]; still && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		ok = false
	}

	if !ok {
		c.collector.RecordCacheMiss("memory")
		return nil, false, nil
	}
	c.collector.RecordCacheHit("memory")
	return e.value, true, nil
}

// Set stores value under key. ttl <= 0 keeps the entry until overwritten.
func (c *MemoryResultCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete removes keys.
func (c *MemoryResultCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisResultCache stores results as JSON through the Redis cache manager.
// Values read back are JSON-decoded (objects become map[string]any and
// numbers float64).
type RedisResultCache struct {
	manager *cache.Manager
	prefix  string
}

// NewRedisResultCache wraps manager. Keys are stored under prefix.
func NewRedisResultCache(manager *cache.Manager, prefix string) *RedisResultCache {
	if prefix == "" {
		prefix = "workflow:result:"
	}
	return &RedisResultCache{manager: manager, prefix: prefix}
}

// Get returns the cached value for key. An entry that no longer decodes is
// deleted and reported as a miss so the node is recomputed.
func (c *RedisResultCache) Get(ctx context.Context, key string) (any, bool, error) {
	var value any
	if err := c.manager.GetJSON(ctx, c.prefix+key, &value); err != nil {
		switch {
		case cache.IsCacheMiss(err):
			return nil, false, nil
		case errors.Is(err, cache.ErrCorrupt):
			if derr := c.manager.Delete(ctx, c.prefix+key); derr != nil {
				return nil, false, derr
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key. ttl 0 uses the manager's default TTL.
func (c *RedisResultCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.manager.SetJSON(ctx, c.prefix+key, value, ttl)
}

// Delete removes keys.
func (c *RedisResultCache) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefix + k
	}
	return c.manager.Delete(ctx, prefixed...)
}

var (
	_ ResultCache = (*MemoryResultCache)(nil)
	_ ResultCache = (*RedisResultCache)(nil)
)
