package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/yansir/claude-mux/internal/metrics"
)

// Cache is a bounded TTL map with LRU eviction. Expired entries count as
// misses; when the map is full the least-recently-used entry is evicted.
type Cache[V any] struct {
	name string
	ttl  time.Duration
	max  int

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List // front = most recently used
	hits   uint64
	misses uint64
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func New[V any](name string, max int, ttl time.Duration) *Cache[V] {
	if max <= 0 {
		max = 1000
	}
	return &Cache[V]{
		name:  name,
		ttl:   ttl,
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return c.miss()
	}
	e := el.Value.(*entry[V])
	if time.Now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return c.miss()
	}
	c.order.MoveToFront(el)
	c.hits++
	metrics.CacheHitsTotal.WithLabelValues(c.name).Inc()
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.ttl)
}

func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.items) >= c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[V]).key)
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: time.Now().Add(ttl)})
	c.items[key] = el
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache[V]) miss() (V, bool) {
	c.misses++
	metrics.CacheMissesTotal.WithLabelValues(c.name).Inc()
	var zero V
	return zero, false
}
