package cache

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/subscope/subscope/utils"
	"golang.org/x/sync/singleflight"
)

// Type partitions cached results; each type carries its own TTL.
type Type string

const (
	TypeAddress   Type = "address"
	TypeExtrinsic Type = "extrinsic"
	TypeBlock     Type = "block"
)

const (
	addressTTL   = 5 * time.Minute
	extrinsicTTL = 10 * time.Minute
	blockTTL     = 2 * time.Minute

	bucketSize = 4096
)

// Key builds the stable cache key for a query and its parameters.
func Key(t Type, query string, params ...string) string {
	parts := append([]string{string(t), strings.ToLower(query)}, params...)
	return strings.Join(parts, ":")
}

// Cache is a keyed TTL cache with single-flight coalescing: concurrent
// lookups of an in-flight key share one underlying computation, whose future
// is dropped when it settles regardless of outcome. Expired entries are
// dropped on read; the expirable LRU sweeps the remainder in the background.
type Cache struct {
	log     utils.SimpleLogger
	buckets map[Type]*bucket
	flight  singleflight.Group
}

type bucket struct {
	lru    *expirable.LRU[string, any]
	ttl    time.Duration
	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(log utils.SimpleLogger) *Cache {
	return &Cache{
		log: log,
		buckets: map[Type]*bucket{
			TypeAddress:   {lru: expirable.NewLRU[string, any](bucketSize, nil, addressTTL), ttl: addressTTL},
			TypeExtrinsic: {lru: expirable.NewLRU[string, any](bucketSize, nil, extrinsicTTL), ttl: extrinsicTTL},
			TypeBlock:     {lru: expirable.NewLRU[string, any](bucketSize, nil, blockTTL), ttl: blockTTL},
		},
	}
}

// GetOrCompute returns the cached value for key, or runs compute exactly once
// across concurrent callers and caches a successful result. The second return
// is true for a direct cache hit and for callers that shared another caller's
// in-flight computation; it is false for the caller that ran the flight alone.
func (c *Cache) GetOrCompute(t Type, key string, compute func() (any, error)) (any, bool, error) {
	b := c.buckets[t]
	if value, ok := b.lru.Get(key); ok {
		b.hits.Add(1)
		return value, true, nil
	}
	b.misses.Add(1)

	value, err, shared := c.flight.Do(key, func() (any, error) {
		// A concurrent caller may have populated the entry while this one
		// was waiting on the flight group.
		if value, ok := b.lru.Get(key); ok {
			return value, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		b.lru.Add(key, value)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, shared, nil
}

// ClearAll drops every entry of every type.
func (c *Cache) ClearAll() {
	for _, b := range c.buckets {
		b.lru.Purge()
	}
}

// ClearByType drops every entry of one type.
func (c *Cache) ClearByType(t Type) {
	if b, ok := c.buckets[t]; ok {
		b.lru.Purge()
	}
}

// ClearByQuery drops entries whose key contains the given substring.
func (c *Cache) ClearByQuery(substr string) int {
	substr = strings.ToLower(substr)
	removed := 0
	for _, b := range c.buckets {
		for _, key := range b.lru.Keys() {
			if strings.Contains(key, substr) {
				b.lru.Remove(key)
				removed++
			}
		}
	}
	return removed
}

// Stats reports entry counts and hit/miss counters per type.
func (c *Cache) Stats() map[string]any {
	stats := make(map[string]any, len(c.buckets))
	for t, b := range c.buckets {
		stats[string(t)] = map[string]any{
			"entries": b.lru.Len(),
			"hits":    b.hits.Load(),
			"misses":  b.misses.Load(),
			"ttl":     b.ttl.String(),
		}
	}
	return stats
}
