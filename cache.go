package loom

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// CacheBackend stores serialized interceptor payloads. The default is
// an in-process store; install a different backend before any handler
// runs and shut it down after the last handler returns.
type CacheBackend interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryCache creates an in-process TTL cache backend.
func NewMemoryCache() CacheBackend {
	return &memoryCache{entries: make(map[string]cacheEntry)}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.payload, true
}

func (c *memoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{payload: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

var (
	cacheBackendMu sync.RWMutex
	cacheBackend   CacheBackend = NewMemoryCache()
)

// SetCacheBackend swaps the process-wide cache backend used by the
// cache interceptor.
func SetCacheBackend(backend CacheBackend) {
	cacheBackendMu.Lock()
	cacheBackend = backend
	cacheBackendMu.Unlock()
}

func currentCacheBackend() CacheBackend {
	cacheBackendMu.RLock()
	defer cacheBackendMu.RUnlock()
	return cacheBackend
}

// CacheInterceptor caches serialized method results. The key is
// "<group or controller_method>:<key or 'default'>"; on a hit the
// cached payload is decoded and returned without invoking the body.
type CacheInterceptor struct {
	TTL   time.Duration
	Group string
	Key   string
}

// CacheTTL builds a cache interceptor with the given TTL in seconds.
func CacheTTL(seconds int) *CacheInterceptor {
	return &CacheInterceptor{TTL: time.Duration(seconds) * time.Second}
}

// WithGroup overrides the controller_method key prefix.
func (c *CacheInterceptor) WithGroup(group string) *CacheInterceptor {
	c.Group = group
	return c
}

// WithKey overrides the "default" key suffix.
func (c *CacheInterceptor) WithKey(key string) *CacheInterceptor {
	c.Key = key
	return c
}

func (c *CacheInterceptor) cacheKey(ic *InterceptContext) string {
	prefix := c.Group
	if prefix == "" {
		prefix = ic.Controller + "_" + ic.Method
	}
	suffix := c.Key
	if suffix == "" {
		suffix = "default"
	}
	return prefix + ":" + suffix
}

func (c *CacheInterceptor) Around(ctx context.Context, ic *InterceptContext, next Next) (any, error) {
	backend := currentCacheBackend()
	key := c.cacheKey(ic)

	if payload, ok := backend.Get(key); ok {
		var cached any
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
		// Corrupt entry: fall through and recompute.
	}

	result, err := next(ctx)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(result); err == nil {
		backend.Set(key, payload, c.TTL)
	}
	return result, nil
}
