package working

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/types"
)

// Stats snapshots the cache's lifetime counters (spec §4.1 stats()).
type Stats struct {
	Hits              int64
	Misses            int64
	Evictions         int64
	CriticalEvictions int64
	ItemCount         int64
	ByteUsage         int64
}

// Cache is the bounded, priority-aware working-memory tier. Keys are
// sharded across N independent locks so store/retrieve on unrelated
// keys never contend; eviction is a coarser, whole-cache operation run
// only when capacity is actually exceeded, since it must compare
// retention scores across shards to pick the true global loser.
type Cache struct {
	cfg    engineconfig.WorkingConfig
	clock  clockadapter.Clock
	shards [shardCount]*shard

	totalItems atomic.Int64
	totalBytes atomic.Int64

	hits, misses, evictions, criticalEvictions atomic.Int64
}

// New builds a working-memory cache bounded by cfg.MaxItems/MaxBytes.
func New(cfg engineconfig.WorkingConfig, clock clockadapter.Clock) *Cache {
	c := &Cache{cfg: cfg, clock: clock}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[shardIndex(key)]
}

// Store inserts or replaces an item under key, then evicts
// lowest-retention items (sparing Critical priority) until the cache is
// back within its configured capacity. Per spec §4.1's
// store(key, payload, priority) -> Ok | Err(Full) contract, a payload
// that alone exceeds max_bytes is rejected outright: no combination of
// evictions could make room for it without evicting the write itself,
// so Store never silently admits-then-drops an item.
func (c *Cache) Store(key string, payload []byte, priority types.Priority) error {
	item := &types.WorkingItem{Payload: payload}
	if c.cfg.MaxBytes > 0 && int64(item.ByteSize()) > c.cfg.MaxBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds max_bytes %d", types.ErrFull, item.ByteSize(), c.cfg.MaxBytes)
	}

	now := c.clock.Now()
	sh := c.shardFor(key)

	sh.mu.Lock()
	if existing, ok := sh.items[key]; ok {
		c.totalBytes.Add(-int64(existing.ByteSize()))
		c.totalItems.Add(-1)
	}
	item.Key = key
	item.Priority = priority
	item.CreatedAt = now
	item.LastAccessAt = now
	sh.items[key] = item
	c.totalItems.Add(1)
	c.totalBytes.Add(int64(item.ByteSize()))
	sh.mu.Unlock()

	c.evictToCapacity(now)
	return nil
}

// Retrieve returns the item for key and bumps its access recency and
// count, the only mutation a read performs.
func (c *Cache) Retrieve(key string) (types.WorkingItem, bool) {
	now := c.clock.Now()
	sh := c.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.items[key]
	if !ok {
		c.misses.Add(1)
		return types.WorkingItem{}, false
	}
	item.LastAccessAt = now
	item.AccessCount++
	c.hits.Add(1)
	return *item, true
}

// UpdatePriority changes the priority of an existing item in place.
func (c *Cache) UpdatePriority(key string, priority types.Priority) bool {
	sh := c.shardFor(key)

	sh.mu.Lock()
	item, ok := sh.items[key]
	if ok {
		item.Priority = priority
	}
	sh.mu.Unlock()
	return ok
}

// Remove deletes key unconditionally, including Critical items: unlike
// capacity eviction, an explicit remove is never refused.
func (c *Cache) Remove(key string) bool {
	sh := c.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.items[key]
	if !ok {
		return false
	}
	delete(sh.items, key)
	c.totalItems.Add(-1)
	c.totalBytes.Add(-int64(item.ByteSize()))
	return true
}

// Stats returns a snapshot of the cache's lifetime counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		CriticalEvictions: c.criticalEvictions.Load(),
		ItemCount:         c.totalItems.Load(),
		ByteUsage:         c.totalBytes.Load(),
	}
}

// evictToCapacity removes lowest-retention items, shard by shard, until
// the cache fits within MaxItems and MaxBytes. Critical items are never
// chosen while any non-Critical item remains; only once the cache is
// nothing but Critical items (and still over MaxItems or MaxBytes, a
// misconfiguration) does it fall back to evicting Critical ones, which
// is the only path that increments CriticalEvictions.
func (c *Cache) evictToCapacity(now time.Time) {
	for c.overCapacity() {
		victim, sh, ok := c.pickVictim(now, false)
		if !ok {
			victim, sh, ok = c.pickVictim(now, true)
			if !ok {
				return
			}
			c.criticalEvictions.Add(1)
		}
		sh.mu.Lock()
		if cur, exists := sh.items[victim.Key]; exists && cur == victim {
			delete(sh.items, victim.Key)
			c.totalItems.Add(-1)
			c.totalBytes.Add(-int64(victim.ByteSize()))
			c.evictions.Add(1)
		}
		sh.mu.Unlock()
	}
}

func (c *Cache) overCapacity() bool {
	if c.cfg.MaxItems > 0 && c.totalItems.Load() > int64(c.cfg.MaxItems) {
		return true
	}
	if c.cfg.MaxBytes > 0 && c.totalBytes.Load() > c.cfg.MaxBytes {
		return true
	}
	return false
}

// pickVictim scans every shard under its own lock and returns the item
// with the lowest retention score cache-wide.
func (c *Cache) pickVictim(now time.Time, includeCritical bool) (*types.WorkingItem, *shard, bool) {
	var (
		best      *types.WorkingItem
		bestShard *shard
		bestScore float64
	)
	for _, sh := range c.shards {
		sh.mu.Lock()
		items := make([]*types.WorkingItem, 0, len(sh.items))
		for _, it := range sh.items {
			items = append(items, it)
		}
		ranked := evictionOrder(c.cfg, items, now, includeCritical)
		if len(ranked) > 0 {
			candidate := ranked[0]
			score := retentionScore(c.cfg, candidate, now)
			if best == nil || score < bestScore ||
				(score == bestScore && candidate.Key < best.Key) {
				best, bestShard, bestScore = candidate, sh, score
			}
		}
		sh.mu.Unlock()
	}
	if best == nil {
		return nil, nil, false
	}
	return best, bestShard, true
}
