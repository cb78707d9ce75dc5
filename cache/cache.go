// Package cache implements the two-level cache: an in-memory L1 tier
// backed by a persistent L2 tier, with a placement predicate deciding
// which L2 hits get promoted back to L1. It is grounded on
// pkg/routing/cache.go's SimpleCache/LRUCache (hashed keys, TTL,
// background cleanup, size-bounded eviction), generalized from a single
// routing-plan cache into a general byte-value two-level cache with LRU,
// LFU, and adaptive eviction policies.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quorumai/mesh/core"
)

// L2 is the persistent tier. *core.RedisClient satisfies this directly.
type L2 interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Stats mirrors the counters spec.md §4.2 requires the cache to publish.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	L1Size    int
	L1Bytes   int64
	HitRate   float64
}

// record is what L2 actually stores: the (possibly compressed) payload
// plus the compression flag needed to reverse it on read.
type record struct {
	Value      []byte `json:"value"`
	Compressed bool   `json:"compressed"`
}

// Cache is the two-level cache described by spec.md §4.2.
type Cache struct {
	mu  sync.Mutex
	l1  *l1Store
	l2  L2
	bus *core.Bus

	defaultTTL     time.Duration
	memoryBudget   int64
	compressionMin int

	freq map[string]int64 // access-frequency, independent of L1 residency

	hits, misses, evictions int64

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New constructs a Cache. l2 may be nil, in which case the cache operates
// L1-only (every set skips L2, every L1 miss is a miss).
func New(cfg core.CacheConfig, l2 L2, bus *core.Bus) *Cache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 3600 * time.Second
	}
	c := &Cache{
		l1:             newL1Store(Policy(cfg.EvictionPolicy), cfg.MemoryBudget),
		l2:             l2,
		bus:            bus,
		defaultTTL:     ttl,
		memoryBudget:   cfg.MemoryBudget,
		compressionMin: cfg.CompressionMin,
		freq:           make(map[string]int64),
		stopCleanup:    make(chan struct{}),
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go c.cleanupLoop(interval)
	return c
}

// Close stops the background cleanup loop.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			removed := c.l1.expireSweep(time.Now())
			c.evictions += int64(removed)
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Get checks L1 first; on an L1 miss it checks L2, and on an L2 hit
// promotes the entry to L1 if it passes the placement predicate.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	c.mu.Lock()
	c.freq[key]++
	if e, ok := c.l1.get(key, now); ok {
		c.hits++
		value := e.value
		compressed := e.compressed
		c.mu.Unlock()
		if compressed {
			plain, err := decompress(value)
			if err != nil {
				return nil, false, err
			}
			value = plain
		}
		c.publish(core.EventCacheHit, map[string]interface{}{"key": key, "tier": "l1"})
		return value, true, nil
	}
	freq := c.freq[key]
	c.mu.Unlock()

	if c.l2 == nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		c.publish(core.EventCacheMiss, map[string]interface{}{"key": key})
		return nil, false, nil
	}

	raw, err := c.l2.Get(ctx, key)
	if err != nil {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		c.publish(core.EventCacheMiss, map[string]interface{}{"key": key})
		return nil, false, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, err
	}

	value := rec.Value
	if rec.Compressed {
		value, err = decompress(rec.Value)
		if err != nil {
			return nil, false, err
		}
	}

	c.mu.Lock()
	c.hits++
	evicted := 0
	if c.worthPromoting(len(rec.Value), freq) {
		evicted = c.l1.put(key, rec.Value, rec.Compressed, c.defaultTTL, now)
		c.evictions += int64(evicted)
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.publish(core.EventCacheEvict, map[string]interface{}{"key": key, "count": evicted, "policy": string(c.l1.policy)})
	}
	c.publish(core.EventCacheHit, map[string]interface{}{"key": key, "tier": "l2"})
	return value, true, nil
}

// worthPromoting implements the placement predicate from spec.md §4.2:
// size <= 10% of memory budget AND (access-frequency > 5 OR available
// memory >= size). Must be called with c.mu held.
func (c *Cache) worthPromoting(size int, freq int64) bool {
	if c.memoryBudget <= 0 {
		return true
	}
	if int64(size) > c.memoryBudget/10 {
		return false
	}
	return freq > 5 || c.l1.availableBytes() >= int64(size)
}

// Set always writes to L2 (when configured) and conditionally to L1,
// applying the same placement predicate Get uses for promotion.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	compressed := false
	stored := value
	if c.compressionMin > 0 && len(value) >= c.compressionMin {
		if z, err := compress(value); err == nil && len(z) < len(value) {
			stored = z
			compressed = true
		}
	}

	if c.l2 != nil {
		rec := record{Value: stored, Compressed: compressed}
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := c.l2.Set(ctx, key, string(blob), ttl); err != nil {
			return err
		}
	}

	c.mu.Lock()
	freq := c.freq[key]
	evicted := 0
	if c.worthPromoting(len(stored), freq) {
		evicted = c.l1.put(key, stored, compressed, ttl, time.Now())
		c.evictions += int64(evicted)
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.publish(core.EventCacheEvict, map[string]interface{}{"key": key, "count": evicted, "policy": string(c.l1.policy)})
	}

	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.l1.delete(key)
	delete(c.freq, key)
	c.mu.Unlock()

	if c.l2 != nil {
		return c.l2.Del(ctx, key)
	}
	return nil
}

// Clear empties L1 and resets counters. L2 is left untouched — the
// cache has no enumeration primitive over an arbitrary L2 implementation,
// matching spec.md's L2 contract (a bare key-value store, no key listing).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1.clear()
	c.freq = make(map[string]int64)
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats reports hit/miss/eviction counters, L1 occupancy, and hit rate.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		L1Size:    c.l1.len(),
		L1Bytes:   c.l1.usedBytes,
		HitRate:   rate,
	}
}

func (c *Cache) publish(eventType string, payload interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.PublishEvent(eventType, payload)
}
