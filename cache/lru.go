// Package cache provides a size-bounded, TTL-expiring LRU cache with hit/miss
// accounting. The engine uses it to memoize per-transaction conflict analysis
// across resubmissions.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config configures a Cache.
type Config struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Size: 4096,
		TTL:  time.Minute,
	}
}

// Stats contains cache statistics.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a thread-safe LRU cache whose entries expire after a TTL.
type Cache[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache. A non-positive size falls back to the default size.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	return &Cache[K, V]{
		lru: expirable.NewLRU[K, V](cfg.Size, nil, cfg.TTL),
	}
}

// Get looks up key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add inserts or refreshes key.
func (c *Cache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Remove evicts key.
func (c *Cache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

// GetStats returns cache statistics.
func (c *Cache[K, V]) GetStats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.lru.Len(),
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}
