package adherence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores computed statistics. Failures are never surfaced to callers
// of the aggregator; they fall through to recomputation.
type Cache interface {
	Get(ctx context.Context, key string) (*Stats, bool, error)
	Set(ctx context.Context, key string, stats *Stats) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheKey builds the key for a patient window anchored on date (YYYY-MM-DD)
func CacheKey(patientID string, kind Kind, date string) string {
	return fmt.Sprintf("adherence:%s:%s:%s", patientID, kind, date)
}

// CacheConfig holds cache sizing
type CacheConfig struct {
	// Size bounds the number of cached windows
	Size int
	// TTL is how long a computed window stays valid
	TTL time.Duration
}

// DefaultCacheConfig returns defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size: 50_000,
		TTL:  5 * time.Minute,
	}
}

// LRUCache is an in-process expiring cache
type LRUCache struct {
	lru *expirable.LRU[string, Stats]
}

// NewLRUCache creates a new in-process cache
func NewLRUCache(cfg CacheConfig) *LRUCache {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheConfig().Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &LRUCache{lru: expirable.NewLRU[string, Stats](cfg.Size, nil, cfg.TTL)}
}

// Get returns a copy of the cached stats
func (c *LRUCache) Get(ctx context.Context, key string) (*Stats, bool, error) {
	s, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	s.Breakdown = cloneBuckets(s.Breakdown)
	return &s, true, nil
}

// Set stores a copy of stats
func (c *LRUCache) Set(ctx context.Context, key string, stats *Stats) error {
	if stats == nil {
		return nil
	}
	s := *stats
	s.Breakdown = cloneBuckets(stats.Breakdown)
	c.lru.Add(key, s)
	return nil
}

// Delete evicts keys
func (c *LRUCache) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

func cloneBuckets(b []Bucket) []Bucket {
	if b == nil {
		return nil
	}
	return append([]Bucket(nil), b...)
}
