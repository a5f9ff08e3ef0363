// Package query implements the unified recall surface (spec §4.6): a
// composite ranking over Episodes, CodeUnits and Patterns sharing one
// scoring formula, and the cross-tier convenience operations
// (context_of, associate) that sit on top of the three durable tiers.
// Grounded on bd's issue search ranking (internal/query), generalized
// from bd's single-entity-type result list to a three-kind, weighted
// composite score.
package query

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/episodic"
	"github.com/cortexmem/engine/internal/procedural"
	"github.com/cortexmem/engine/internal/semantic"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

// ResultKind distinguishes the three entity kinds recall can return.
type ResultKind string

const (
	KindEpisode ResultKind = "episode"
	KindUnit    ResultKind = "unit"
	KindPattern ResultKind = "pattern"
)

// Result is one ranked recall hit.
type Result struct {
	Kind      ResultKind
	Episode   *types.Episode
	Unit      *types.CodeUnit
	Pattern   *types.Pattern
	Score     float64
	UpdatedAt time.Time
}

// id returns the underlying entity's id, used only for the final
// deterministic tiebreak in sorting.
func (r Result) id() types.ID {
	switch r.Kind {
	case KindEpisode:
		return r.Episode.ID
	case KindUnit:
		return r.Unit.ID
	case KindPattern:
		return r.Pattern.ID
	default:
		return types.NilID
	}
}

// Engine composes the three durable tiers into the unified query
// surface.
type Engine struct {
	episodic   *episodic.Tier
	semantic   *semantic.Tier
	procedural *procedural.Tier
	clock      clockadapter.Clock
	cfg        engineconfig.QueryConfig
	epCfg      engineconfig.EpisodicConfig
}

// New builds a query Engine over the three durable tiers.
func New(ep *episodic.Tier, sem *semantic.Tier, proc *procedural.Tier, clock clockadapter.Clock, cfg engineconfig.QueryConfig, epCfg engineconfig.EpisodicConfig) *Engine {
	return &Engine{episodic: ep, semantic: sem, procedural: proc, clock: clock, cfg: cfg, epCfg: epCfg}
}

// Filters narrows a recall call. Zero-valued fields are not applied.
type Filters struct {
	Outcome      types.Outcome
	WorkspaceRef string
}

// Recall returns the top k results across all three tiers, ranked by
// the composite score from spec §4.6: score = α·similarity +
// β·importance + γ·recency_factor + δ·success_rate, with missing
// factors contributing zero. Ties are broken by updated_at descending.
func (e *Engine) Recall(ctx context.Context, queryVec []float32, k int, filters Filters) ([]Result, error) {
	now := e.clock.Now()
	results := make([]Result, 0)

	episodes, err := e.episodic.Similar(ctx, queryVec, k, episodic.SimilarFilter{
		Outcome: filters.Outcome, WorkspaceRef: filters.WorkspaceRef,
	})
	if err != nil {
		return nil, err
	}
	for _, ep := range episodes {
		sim := similarityOrZero(queryVec, ep.Embedding)
		recency := recencyFactor(now, ep.LastAccessAt, e.epCfg.RecencyHalfLife.Std())
		w := e.cfg.EpisodeWeights
		score := w.Similarity*sim + w.Importance*ep.Importance + w.Recency*recency
		results = append(results, Result{Kind: KindEpisode, Episode: ep, Score: score, UpdatedAt: ep.UpdatedAt})
	}

	units, err := e.semantic.Search(ctx, queryVec, k)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		sim := similarityOrZero(queryVec, u.Embedding)
		recency := recencyFactor(now, u.UpdatedAt, e.epCfg.RecencyHalfLife.Std())
		w := e.cfg.UnitWeights
		score := w.Similarity*sim + w.Recency*recency
		results = append(results, Result{Kind: KindUnit, Unit: u, Score: score, UpdatedAt: u.UpdatedAt})
	}

	patterns, err := e.procedural.Search(ctx, queryVec, k)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		sim := similarityOrZero(queryVec, p.Embedding)
		recency := recencyFactor(now, p.UpdatedAt, e.epCfg.RecencyHalfLife.Std())
		w := e.cfg.PatternWeights
		score := w.Similarity*sim + w.Recency*recency + w.SuccessRate*p.SuccessRate()
		results = append(results, Result{Kind: KindPattern, Pattern: p, Score: score, UpdatedAt: p.UpdatedAt})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].id().String() < results[j].id().String()
	})
	if k > 0 && k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func similarityOrZero(query []float32, candidate []float32) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	return vecmath.Cosine(query, candidate)
}

func recencyFactor(now, last time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || last.IsZero() {
		return 0
	}
	age := now.Sub(last).Seconds()
	tau := halfLife.Seconds() / math.Ln2
	return math.Exp(-age / tau)
}

// ContextOf returns a unit, its dependencies and dependents up to
// depth, co-located units in the same file, and patterns linked to it
// (spec §4.6).
type Context struct {
	Unit         *types.CodeUnit
	Dependencies []*types.Dependency
	Dependents   []*types.Dependency
	CoLocated    []*types.CodeUnit
	Patterns     []*types.Pattern
}

// ContextOf assembles the cross-tier context for a CodeUnit, walking
// its dependency/dependent edges up to depth hops via the semantic
// tier's bounded graph traversal rather than only direct edges.
func (e *Engine) ContextOf(ctx context.Context, unitID types.ID, depth int) (Context, error) {
	unit, err := e.semantic.GetUnit(ctx, unitID)
	if err != nil {
		return Context{}, err
	}
	if depth <= 0 {
		depth = 1
	}
	graph, err := e.semantic.Graph(ctx, []types.ID{unitID}, depth, false)
	if err != nil {
		return Context{}, err
	}
	deps := bfsEdges(unitID, graph.Edges, depth, true)
	dependents := bfsEdges(unitID, graph.Edges, depth, false)
	coLocated, err := e.semantic.UnitsInFile(ctx, unit.FilePath)
	if err != nil {
		return Context{}, err
	}
	filteredCoLocated := make([]*types.CodeUnit, 0, len(coLocated))
	for _, u := range coLocated {
		if u.ID != unitID {
			filteredCoLocated = append(filteredCoLocated, u)
		}
	}

	linkedPatterns, err := e.patternsLinkedTo(ctx, unitID)
	if err != nil {
		return Context{}, err
	}

	return Context{
		Unit:         unit,
		Dependencies: deps,
		Dependents:   dependents,
		CoLocated:    filteredCoLocated,
		Patterns:     linkedPatterns,
	}, nil
}

// bfsEdges walks edges outward from start up to depth hops in one
// direction (forward: start is the source side; backward: start is the
// target side), returning the edges encountered in traversal order.
func bfsEdges(start types.ID, edges []*types.Dependency, depth int, forward bool) []*types.Dependency {
	visited := map[types.ID]bool{start: true}
	frontier := []types.ID{start}
	out := make([]*types.Dependency, 0)
	seenEdge := make(map[types.ID]bool)
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		next := make([]types.ID, 0)
		for _, d := range edges {
			var from, to types.ID
			if forward {
				from, to = d.SourceID, d.TargetID
			} else {
				from, to = d.TargetID, d.SourceID
			}
			for _, id := range frontier {
				if from != id {
					continue
				}
				if !seenEdge[d.ID] {
					seenEdge[d.ID] = true
					out = append(out, d)
				}
				if !visited[to] {
					visited[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}
	return out
}

// patternsLinkedTo finds patterns cross-linked to unitID by the
// consolidator's knowledge-linking stage (edges stored as
// DepReferences from a pattern id to the unit id).
func (e *Engine) patternsLinkedTo(ctx context.Context, unitID types.ID) ([]*types.Pattern, error) {
	dependents, err := e.semantic.DependentsOf(ctx, unitID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Pattern, 0)
	for _, d := range dependents {
		if d.Type != types.DepReferences {
			continue
		}
		p, err := e.procedural.Get(ctx, d.SourceID)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Associate creates a semantic edge between two Live units after
// validating both endpoints (spec §4.6).
func (e *Engine) Associate(ctx context.Context, sourceID, targetID types.ID, depType types.DependencyType) (*types.Dependency, error) {
	src, err := e.semantic.GetUnit(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	tgt, err := e.semantic.GetUnit(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if src.Status != types.StatusLive || tgt.Status != types.StatusLive {
		return nil, types.ErrInvalid
	}
	return e.semantic.StoreDep(ctx, sourceID, targetID, depType)
}

// Forget drives episodic forgetting.
func (e *Engine) Forget(ctx context.Context, threshold float64) (int, error) {
	return e.episodic.Forget(ctx, threshold)
}
