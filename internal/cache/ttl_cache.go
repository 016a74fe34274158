package cache

import (
	"strings"
	"sync"
	"time"
)

// Cache is a small in-process key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	// Add stores value only when key is absent or expired and reports
	// whether it did.
	Add(key K, value V, ttl time.Duration) bool
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]entry[V]
	now   func() time.Time
	// sweep every maxWrites writes so abandoned keys do not accumulate.
	writes    int
	maxWrites int
}

func NewTTLCacheWithClock[K comparable, V any](now func() time.Time) Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{
		items:     make(map[K]entry[V]),
		now:       now,
		maxWrites: 1024,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(item) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.afterWrite()
}

func (c *ttlCache[K, V]) Add(key K, value V, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[key]; ok && !c.expired(item) {
		return false
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.afterWrite()
	return true
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[K, V]) expired(item entry[V]) bool {
	return !c.now().Before(item.expiresAt)
}

// afterWrite must be called with mu held.
func (c *ttlCache[K, V]) afterWrite() {
	c.writes++
	if c.writes < c.maxWrites {
		return
	}
	c.writes = 0
	for key, item := range c.items {
		if c.expired(item) {
			delete(c.items, key)
		}
	}
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
