// Package procedural implements the procedural tier: reusable pattern
// storage, application tracking, and retirement (spec §4.4). Grounded
// on the same store.Store adapter pattern as the other tiers, with
// Merge and Retire following bd's habit of keeping a tombstone trail
// (its closed-issue audit links) rather than deleting history outright.
package procedural

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

// Tier is the procedural memory tier, backed by a store.Store.
type Tier struct {
	store store.Store
	clock clockadapter.Clock
	cfg   engineconfig.ProceduralConfig
}

// New builds a procedural Tier over the given adapter.
func New(s store.Store, clock clockadapter.Clock, cfg engineconfig.ProceduralConfig) *Tier {
	return &Tier{store: s, clock: clock, cfg: cfg}
}

func toRecord(p *types.Pattern) store.Record {
	return store.Record{
		ID:        p.ID.String(),
		Embedding: []float32(p.Embedding),
		Fields: map[string]any{
			"type":                string(p.Type),
			"name":                p.Name,
			"description":         p.Description,
			"preconditions":       p.Preconditions,
			"postconditions":      p.Postconditions,
			"example_episode_ids": idStrings(p.ExampleEpisodeIDs),
			"success_count":       p.SuccessCount,
			"failure_count":       p.FailureCount,
			"replaces":            idStrings(p.Replaces),
			"created_at":          p.CreatedAt.Format(time.RFC3339Nano),
			"updated_at":          p.UpdatedAt.Format(time.RFC3339Nano),
		},
	}
}

func fromRecord(rec store.Record) (*types.Pattern, error) {
	id, err := types.ParseID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern id %q: %v", types.ErrCorruption, rec.ID, err)
	}
	f := rec.Fields
	p := &types.Pattern{
		Meta: types.Meta{
			ID:        id,
			CreatedAt: parseTime(f, "created_at"),
			UpdatedAt: parseTime(f, "updated_at"),
		},
		Type:              types.PatternType(str(f, "type")),
		Name:              str(f, "name"),
		Description:       str(f, "description"),
		Preconditions:      parseStrings(f["preconditions"]),
		Postconditions:     parseStrings(f["postconditions"]),
		ExampleEpisodeIDs: parseIDs(f["example_episode_ids"]),
		SuccessCount:      int64num(f["success_count"]),
		FailureCount:      int64num(f["failure_count"]),
		Replaces:          parseIDs(f["replaces"]),
		Embedding:         types.Embedding(rec.Embedding),
	}
	return p, nil
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func parseStrings(v any) []string {
	ss, _ := v.([]string)
	return ss
}

func idStrings(ids []types.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseIDs(v any) []types.ID {
	raw, _ := v.([]string)
	out := make([]types.ID, 0, len(raw))
	for _, s := range raw {
		if id, err := types.ParseID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func int64num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func parseTime(f map[string]any, key string) time.Time {
	s, _ := f[key].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Store persists a pattern, assigning an id if absent.
func (t *Tier) Store(ctx context.Context, p *types.Pattern) error {
	now := t.clock.Now()
	p.EnsureID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := p.Validate(); err != nil {
		return err
	}
	return t.store.Put(ctx, store.TablePattern, p.ID.String(), toRecord(p))
}

// Get loads a pattern by id.
func (t *Tier) Get(ctx context.Context, id types.ID) (*types.Pattern, error) {
	rec, err := t.store.Get(ctx, store.TablePattern, id.String())
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Search returns the k nearest patterns to vec by cosine similarity.
func (t *Tier) Search(ctx context.Context, vec []float32, k int) ([]*types.Pattern, error) {
	hits, err := t.store.VectorSearch(ctx, store.TablePattern, vec, k, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Pattern, 0, len(hits))
	for _, h := range hits {
		id, err := types.ParseID(h.ID)
		if err != nil {
			continue
		}
		p, err := t.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// All returns every stored pattern regardless of embedding presence.
func (t *Tier) All(ctx context.Context) ([]*types.Pattern, error) {
	recs, err := t.store.Scan(ctx, store.TablePattern, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Pattern, 0, len(recs))
	for _, rec := range recs {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RecordApplication updates the pattern's success/failure counters.
func (t *Tier) RecordApplication(ctx context.Context, id types.ID, success bool) error {
	p, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	p.RecordApplication(success)
	p.UpdatedAt = t.clock.Now()
	return t.store.Put(ctx, store.TablePattern, p.ID.String(), toRecord(p))
}

// Merge combines patterns sharing a type into a single pattern per
// spec §4.4: length-normalized mean embedding, summed counts, the
// longest description (ties broken by id), unioned examples, and a
// Replaces tombstone link to every input. The inputs themselves are
// deleted from the store.
func (t *Tier) Merge(ctx context.Context, ids []types.ID) (*types.Pattern, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: merge requires at least two patterns", types.ErrInvalid)
	}
	inputs := make([]*types.Pattern, 0, len(ids))
	for _, id := range ids {
		p, err := t.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, p)
	}
	patternType := inputs[0].Type
	for _, p := range inputs[1:] {
		if p.Type != patternType {
			return nil, fmt.Errorf("%w: merge requires identical pattern type", types.ErrInvalid)
		}
	}
	for i := 0; i < len(inputs); i++ {
		for j := i + 1; j < len(inputs); j++ {
			a, b := inputs[i], inputs[j]
			if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
				continue
			}
			if vecmath.Cosine(a.Embedding, b.Embedding) < t.cfg.MergeThreshold {
				return nil, fmt.Errorf("%w: merge requires pairwise cosine >= merge_threshold (%.2f)", types.ErrInvalid, t.cfg.MergeThreshold)
			}
		}
	}

	embeddings := make([][]float32, 0, len(inputs))
	var successSum, failureSum int64
	examples := make(map[types.ID]bool)
	sorted := append([]*types.Pattern(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Description) != len(sorted[j].Description) {
			return len(sorted[i].Description) > len(sorted[j].Description)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	for _, p := range inputs {
		if len(p.Embedding) > 0 {
			embeddings = append(embeddings, []float32(p.Embedding))
		}
		successSum += p.SuccessCount
		failureSum += p.FailureCount
		for _, ex := range p.ExampleEpisodeIDs {
			examples[ex] = true
		}
	}

	merged := &types.Pattern{
		Type:              patternType,
		Name:              sorted[0].Name,
		Description:       sorted[0].Description,
		SuccessCount:      successSum,
		FailureCount:      failureSum,
		ExampleEpisodeIDs: setToIDs(examples),
		Replaces:          ids,
		Embedding:         types.Embedding(vecmath.MeanNormalized(embeddings)),
	}
	if err := t.Store(ctx, merged); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := t.store.Delete(ctx, store.TablePattern, id.String()); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func setToIDs(m map[types.ID]bool) []types.ID {
	out := make([]types.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RewriteExampleEpisode replaces every pattern's reference to oldID with
// newID in ExampleEpisodeIDs, deduplicating afterward. Used when the
// consolidator's episodic duplicate merge (spec §4.5 stage 4) retires
// oldID into a merged episode, so no pattern is left pointing at a
// deleted episode.
func (t *Tier) RewriteExampleEpisode(ctx context.Context, oldID, newID types.ID) error {
	patterns, err := t.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		changed := false
		seen := make(map[types.ID]bool, len(p.ExampleEpisodeIDs))
		rewritten := make([]types.ID, 0, len(p.ExampleEpisodeIDs))
		for _, id := range p.ExampleEpisodeIDs {
			if id == oldID {
				id = newID
				changed = true
			}
			if !seen[id] {
				seen[id] = true
				rewritten = append(rewritten, id)
			}
		}
		if !changed {
			continue
		}
		p.ExampleEpisodeIDs = rewritten
		p.UpdatedAt = t.clock.Now()
		if err := t.store.Put(ctx, store.TablePattern, p.ID.String(), toRecord(p)); err != nil {
			return err
		}
	}
	return nil
}

// Retire deletes a pattern. Called by the consolidator once a pattern's
// success rate falls below the retirement threshold with enough
// applications to trust the estimate (spec §4.4).
func (t *Tier) Retire(ctx context.Context, id types.ID) error {
	return t.store.Delete(ctx, store.TablePattern, id.String())
}

// RetirementCandidates returns patterns eligible for retirement: success
// rate below cfg.RetirementThreshold with at least
// cfg.RetirementMinApplications recorded applications.
func (t *Tier) RetirementCandidates(ctx context.Context) ([]*types.Pattern, error) {
	recs, err := t.store.Scan(ctx, store.TablePattern, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Pattern, 0)
	for _, rec := range recs {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		applications := p.SuccessCount + p.FailureCount
		if applications >= t.cfg.RetirementMinApplications && p.SuccessRate() < t.cfg.RetirementThreshold {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats summarizes the procedural tier's current contents.
type Stats struct {
	PatternCount int
	TotalSuccess int64
	TotalFailure int64
}

// Stats returns aggregate counters over every stored pattern.
func (t *Tier) Stats(ctx context.Context) (Stats, error) {
	recs, err := t.store.Scan(ctx, store.TablePattern, nil, 0)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.PatternCount = len(recs)
	for _, rec := range recs {
		p, err := fromRecord(rec)
		if err != nil {
			return Stats{}, err
		}
		s.TotalSuccess += p.SuccessCount
		s.TotalFailure += p.FailureCount
	}
	return s, nil
}
