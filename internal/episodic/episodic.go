// Package episodic implements the episodic tier: the durable, searchable
// log of agent activity described in spec §4.2. Grounded on bd's
// internal/storage adapter pattern (a narrow Store interface wrapped by
// a tier-specific type that owns indexing and scoring concerns the raw
// adapter knows nothing about).
package episodic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

// Tier is the episodic memory tier, backed by a store.Store.
type Tier struct {
	store store.Store
	clock clockadapter.Clock
	cfg   engineconfig.EpisodicConfig
}

// New builds an episodic Tier over the given adapter.
func New(s store.Store, clock clockadapter.Clock, cfg engineconfig.EpisodicConfig) *Tier {
	return &Tier{store: s, clock: clock, cfg: cfg}
}

func toRecord(e *types.Episode) store.Record {
	return store.Record{
		ID:        e.ID.String(),
		Embedding: []float32(e.Embedding),
		Fields: map[string]any{
			"task":              e.Task,
			"agent_id":          e.AgentID,
			"workspace_ref":     e.WorkspaceRef,
			"type":              string(e.Type),
			"outcome":           string(e.Outcome),
			"entities_created":  idStrings(e.EntitiesCreated),
			"entities_modified": idStrings(e.EntitiesModified),
			"entities_deleted":  idStrings(e.EntitiesDeleted),
			"tools_used":        e.ToolsUsed,
			"queries":           e.Queries,
			"token_prompt":      e.TokenUsage.Prompt,
			"token_completion":  e.TokenUsage.Completion,
			"started_at":        e.StartedAt.Format(time.RFC3339Nano),
			"ended_at":          e.EndedAt.Format(time.RFC3339Nano),
			"importance":        e.Importance,
			"frequency":         e.Frequency,
			"relevance":         e.Relevance,
			"last_access_at":    e.LastAccessAt.Format(time.RFC3339Nano),
			"replaces":          idStrings(e.Replaces),
			"created_at":        e.CreatedAt.Format(time.RFC3339Nano),
			"updated_at":        e.UpdatedAt.Format(time.RFC3339Nano),
		},
	}
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

func parseStrings(v any) []string {
	if ss, ok := v.([]string); ok {
		return ss
	}
	return nil
}

func parseTime(f map[string]any, key string) time.Time {
	s, _ := f[key].(string)
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fromRecord(rec store.Record) (*types.Episode, error) {
	id, err := types.ParseID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: episode id %q: %v", types.ErrCorruption, rec.ID, err)
	}
	f := rec.Fields
	e := &types.Episode{
		Meta: types.Meta{
			ID:        id,
			CreatedAt: parseTime(f, "created_at"),
			UpdatedAt: parseTime(f, "updated_at"),
		},
		Task:             str(f, "task"),
		AgentID:          str(f, "agent_id"),
		WorkspaceRef:     str(f, "workspace_ref"),
		Type:             types.EpisodeType(str(f, "type")),
		Outcome:          types.Outcome(str(f, "outcome")),
		EntitiesCreated:  parseIDs(f["entities_created"]),
		EntitiesModified: parseIDs(f["entities_modified"]),
		EntitiesDeleted:  parseIDs(f["entities_deleted"]),
		ToolsUsed:        parseStrings(f["tools_used"]),
		Queries:          parseStrings(f["queries"]),
		TokenUsage: types.TokenUsage{
			Prompt:     int64num(f["token_prompt"]),
			Completion: int64num(f["token_completion"]),
		},
		StartedAt:    parseTime(f, "started_at"),
		EndedAt:      parseTime(f, "ended_at"),
		Importance:   floatnum(f["importance"]),
		Frequency:    floatnum(f["frequency"]),
		Relevance:    floatnum(f["relevance"]),
		LastAccessAt: parseTime(f, "last_access_at"),
		Replaces:     parseIDs(f["replaces"]),
		Embedding:    types.Embedding(rec.Embedding),
	}
	return e, nil
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func floatnum(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
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

// Store persists an episode, assigning an id and timestamps if absent.
func (t *Tier) Store(ctx context.Context, e *types.Episode) error {
	now := t.clock.Now()
	e.EnsureID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.LastAccessAt.IsZero() {
		e.LastAccessAt = now
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return t.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e))
}

// Get loads an episode by id and refreshes its access recency per
// spec §4.5 stage 2's "reset by access" rule.
func (t *Tier) Get(ctx context.Context, id types.ID) (*types.Episode, error) {
	rec, err := t.store.Get(ctx, store.TableEpisode, id.String())
	if err != nil {
		return nil, err
	}
	e, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	e.LastAccessAt = t.clock.Now()
	_ = t.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e))
	return e, nil
}

// loadRaw loads an episode without refreshing its access recency, for
// internal callers (Merge) that are about to delete the record anyway
// and must not race Get's own access-bump write.
func (t *Tier) loadRaw(ctx context.Context, id types.ID) (*types.Episode, error) {
	rec, err := t.store.Get(ctx, store.TableEpisode, id.String())
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Recent returns the n most recently created episodes.
func (t *Tier) Recent(ctx context.Context, n int) ([]*types.Episode, error) {
	recs, err := t.store.Scan(ctx, store.TableEpisode, nil, 0)
	if err != nil {
		return nil, err
	}
	episodes, err := decodeAll(recs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].CreatedAt.After(episodes[j].CreatedAt)
	})
	if n > 0 && n < len(episodes) {
		episodes = episodes[:n]
	}
	return episodes, nil
}

// ByOutcome returns the n most recent episodes with the given outcome.
func (t *Tier) ByOutcome(ctx context.Context, outcome types.Outcome, n int) ([]*types.Episode, error) {
	filter := func(r store.Record) bool { return str(r.Fields, "outcome") == string(outcome) }
	recs, err := t.store.Scan(ctx, store.TableEpisode, filter, 0)
	if err != nil {
		return nil, err
	}
	episodes, err := decodeAll(recs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(episodes, func(i, j int) bool {
		return episodes[i].CreatedAt.After(episodes[j].CreatedAt)
	})
	if n > 0 && n < len(episodes) {
		episodes = episodes[:n]
	}
	return episodes, nil
}

// SimilarFilter narrows a Similar search by outcome, time range or
// workspace; zero-valued fields are not applied.
type SimilarFilter struct {
	Outcome      types.Outcome
	WorkspaceRef string
	Since        time.Time
	Until        time.Time
}

func (sf SimilarFilter) matches(rec store.Record) bool {
	f := rec.Fields
	if sf.Outcome != "" && str(f, "outcome") != string(sf.Outcome) {
		return false
	}
	if sf.WorkspaceRef != "" && str(f, "workspace_ref") != sf.WorkspaceRef {
		return false
	}
	started := parseTime(f, "started_at")
	if !sf.Since.IsZero() && started.Before(sf.Since) {
		return false
	}
	if !sf.Until.IsZero() && started.After(sf.Until) {
		return false
	}
	return true
}

// Similar returns the k nearest episodes to vec by cosine similarity,
// restricted to those matching filter.
func (t *Tier) Similar(ctx context.Context, vec []float32, k int, filter SimilarFilter) ([]*types.Episode, error) {
	hits, err := t.store.VectorSearch(ctx, store.TableEpisode, vec, k, filter.matches)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Episode, 0, len(hits))
	for _, h := range hits {
		rec, err := t.store.Get(ctx, store.TableEpisode, h.ID)
		if err != nil {
			continue
		}
		e, err := fromRecord(rec)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeAll(recs []store.Record) ([]*types.Episode, error) {
	out := make([]*types.Episode, 0, len(recs))
	for _, rec := range recs {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// RecomputeImportance recomputes e.Importance from spec §4.2's six
// weighted factors and persists it. priorEmbeddings supplies the prior
// episodes used for the novelty term (1 - max cosine to any of them);
// Frequency and Relevance are expected to already be populated on e by
// the consolidator's stage 1 before this is called.
func (t *Tier) RecomputeImportance(ctx context.Context, e *types.Episode, priorEmbeddings [][]float32) error {
	now := t.clock.Now()

	recency := 1.0
	if t.cfg.RecencyHalfLife.Std() > 0 {
		age := now.Sub(e.StartedAt).Seconds()
		tau := t.cfg.RecencyHalfLife.Std().Seconds()
		recency = math.Exp(-age / tau)
	}

	entityCount := len(e.EntitiesModified)
	toolDiversity := distinctCount(e.ToolsUsed)
	complexity := clamp01(float64(entityCount)/nonZero(t.cfg.ComplexityK) + float64(toolDiversity)/nonZero(t.cfg.ComplexityM))

	novelty := 1.0
	if len(priorEmbeddings) > 0 && len(e.Embedding) > 0 {
		novelty = clamp01(1.0 - vecmath.MaxCosine(e.Embedding, priorEmbeddings))
	}

	importance := t.cfg.WeightRecency*recency +
		t.cfg.WeightFrequency*clamp01(e.Frequency) +
		t.cfg.WeightOutcome*e.Outcome.Weight() +
		t.cfg.WeightComplexity*complexity +
		t.cfg.WeightNovelty*novelty +
		t.cfg.WeightRelevance*clamp01(e.Relevance)

	e.Importance = clamp01(importance)
	e.UpdatedAt = now
	return t.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e))
}

// UpdateFrequencyRelevance persists consolidator-computed frequency and
// relevance values for an episode (spec §4.5 stage 1); episodic code
// never derives these values itself.
func (t *Tier) UpdateFrequencyRelevance(ctx context.Context, e *types.Episode, frequency, relevance float64) error {
	e.Frequency = frequency
	e.Relevance = relevance
	e.UpdatedAt = t.clock.Now()
	return t.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e))
}

// ApplyDecay multiplies importance by decayFactor for every episode not
// accessed within decayInterval, persists the result, and returns the
// touched episodes (spec §4.5 stage 2). It does not remove anything;
// pair with Forget to drop episodes that fall below threshold.
func (t *Tier) ApplyDecay(ctx context.Context, decayInterval time.Duration, decayFactor float64) ([]*types.Episode, error) {
	recs, err := t.store.Scan(ctx, store.TableEpisode, nil, 0)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	touched := make([]*types.Episode, 0)
	for _, rec := range recs {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		if now.Sub(e.LastAccessAt) < decayInterval {
			continue
		}
		e.Importance = clamp01(e.Importance * decayFactor)
		e.UpdatedAt = now
		if err := t.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e)); err != nil {
			return nil, err
		}
		touched = append(touched, e)
	}
	return touched, nil
}

// All returns every stored episode, newest first.
func (t *Tier) All(ctx context.Context) ([]*types.Episode, error) {
	return t.Recent(ctx, 0)
}

// Merge combines near-duplicate episodes into one per spec §4.5 stage 4:
// summed TokenUsage, unioned tool/query/entity sets, the widest
// started/ended span, the higher of each input's
// importance/frequency/relevance/last-access, a length-normalized mean
// embedding, and a Replaces tombstone link to every input. The inputs
// are deleted from the store.
func (t *Tier) Merge(ctx context.Context, ids []types.ID) (*types.Episode, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: merge requires at least two episodes", types.ErrInvalid)
	}
	inputs := make([]*types.Episode, 0, len(ids))
	for _, id := range ids {
		e, err := t.loadRaw(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, e)
	}

	sorted := append([]*types.Episode(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Task) != len(sorted[j].Task) {
			return len(sorted[i].Task) > len(sorted[j].Task)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	rep := sorted[0]

	embeddings := make([][]float32, 0, len(inputs))
	var tokenUsage types.TokenUsage
	toolsUsed := make([]string, 0)
	queries := make([]string, 0)
	seenTool := make(map[string]bool)
	seenQuery := make(map[string]bool)
	entityBucket := make(map[types.ID]string)
	var created, modified, deleted []types.ID
	started, ended := inputs[0].StartedAt, inputs[0].EndedAt
	importance, frequency, relevance := 0.0, 0.0, 0.0
	lastAccess := inputs[0].LastAccessAt

	for _, e := range inputs {
		if len(e.Embedding) > 0 {
			embeddings = append(embeddings, []float32(e.Embedding))
		}
		tokenUsage.Prompt += e.TokenUsage.Prompt
		tokenUsage.Completion += e.TokenUsage.Completion
		for _, tool := range e.ToolsUsed {
			if !seenTool[tool] {
				seenTool[tool] = true
				toolsUsed = append(toolsUsed, tool)
			}
		}
		for _, q := range e.Queries {
			if !seenQuery[q] {
				seenQuery[q] = true
				queries = append(queries, q)
			}
		}
		for _, id := range e.EntitiesCreated {
			if _, ok := entityBucket[id]; !ok {
				entityBucket[id] = "created"
				created = append(created, id)
			}
		}
		for _, id := range e.EntitiesModified {
			if _, ok := entityBucket[id]; !ok {
				entityBucket[id] = "modified"
				modified = append(modified, id)
			}
		}
		for _, id := range e.EntitiesDeleted {
			if _, ok := entityBucket[id]; !ok {
				entityBucket[id] = "deleted"
				deleted = append(deleted, id)
			}
		}
		if e.StartedAt.Before(started) {
			started = e.StartedAt
		}
		if e.EndedAt.After(ended) {
			ended = e.EndedAt
		}
		if e.Importance > importance {
			importance = e.Importance
		}
		if e.Frequency > frequency {
			frequency = e.Frequency
		}
		if e.Relevance > relevance {
			relevance = e.Relevance
		}
		if e.LastAccessAt.After(lastAccess) {
			lastAccess = e.LastAccessAt
		}
	}

	merged := &types.Episode{
		Task:             rep.Task,
		AgentID:          rep.AgentID,
		WorkspaceRef:     rep.WorkspaceRef,
		Type:             rep.Type,
		Outcome:          rep.Outcome,
		EntitiesCreated:  created,
		EntitiesModified: modified,
		EntitiesDeleted:  deleted,
		ToolsUsed:        toolsUsed,
		Queries:          queries,
		TokenUsage:       tokenUsage,
		StartedAt:        started,
		EndedAt:          ended,
		Importance:       importance,
		Frequency:        frequency,
		Relevance:        relevance,
		LastAccessAt:     lastAccess,
		Replaces:         ids,
		Embedding:        types.Embedding(vecmath.MeanNormalized(embeddings)),
	}
	if err := t.Store(ctx, merged); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := t.store.Delete(ctx, store.TableEpisode, id.String()); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// Forget removes episodes with importance below threshold, returning
// the number removed. Safe to call concurrently: Delete on an
// already-deleted id returns ErrNotFound, which Forget swallows so
// repeated callers converge on the same idempotent result (spec §4.2).
func (t *Tier) Forget(ctx context.Context, threshold float64) (int, error) {
	filter := func(r store.Record) bool { return floatnum(r.Fields["importance"]) < threshold }
	recs, err := t.store.Scan(ctx, store.TableEpisode, filter, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range recs {
		err := t.store.Delete(ctx, store.TableEpisode, rec.ID)
		if err == nil {
			count++
			continue
		}
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		return count, err
	}
	return count, nil
}

func distinctCount(ss []string) int {
	seen := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		seen[s] = struct{}{}
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}
