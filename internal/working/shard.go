// Package working implements the working-memory tier: a small, bounded,
// volatile cache of the items an agent is actively using. Grounded on
// bd's sharded in-memory index pattern (internal/storage/memory),
// generalized from bd's bead index to a capacity-bounded, priority-aware
// eviction cache per spec §4.1.
package working

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/types"
)

const shardCount = 8

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shardCount))
}

type shard struct {
	mu    sync.Mutex
	items map[string]*types.WorkingItem
	bytes int64
}

func newShard() *shard {
	return &shard{items: make(map[string]*types.WorkingItem)}
}

// retentionScore implements spec §4.1: weighted sum of priority weight,
// an exponentially decaying recency factor, and log-scaled access count.
func retentionScore(cfg engineconfig.WorkingConfig, item *types.WorkingItem, now time.Time) float64 {
	halfLife := cfg.HalfLife.Std()
	recency := 1.0
	if halfLife > 0 {
		elapsed := now.Sub(item.LastAccessAt).Seconds()
		tau := halfLife.Seconds() / math.Ln2
		recency = math.Exp(-elapsed / tau)
	}
	freq := math.Log(1 + float64(item.AccessCount))
	return cfg.WeightPriority*item.Priority.Weight() + cfg.WeightRecency*recency + cfg.WeightFrequency*freq
}

// evictionOrder ranks items from most to least evictable: lowest
// retention first, ties broken by oldest LastAccessAt, then lowest
// priority weight, then lexicographic key, matching spec §4.1's
// deterministic tie-break chain. Critical items are excluded unless
// includeCritical is set, so normal eviction never touches them.
func evictionOrder(cfg engineconfig.WorkingConfig, items []*types.WorkingItem, now time.Time, includeCritical bool) []*types.WorkingItem {
	candidates := make([]*types.WorkingItem, 0, len(items))
	for _, it := range items {
		if it.Priority == types.Critical && !includeCritical {
			continue
		}
		candidates = append(candidates, it)
	}
	scores := make(map[string]float64, len(candidates))
	for _, it := range candidates {
		scores[it.Key] = retentionScore(cfg, it, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a.Key] != scores[b.Key] {
			return scores[a.Key] < scores[b.Key]
		}
		if !a.LastAccessAt.Equal(b.LastAccessAt) {
			return a.LastAccessAt.Before(b.LastAccessAt)
		}
		if a.Priority.Weight() != b.Priority.Weight() {
			return a.Priority.Weight() < b.Priority.Weight()
		}
		return a.Key < b.Key
	})
	return candidates
}
