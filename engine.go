// Package cortexmem provides the Cognitive Facade: the minimal public
// surface an embedding AI coding assistant uses to drive the memory
// engine (remember/recall/associate/forget/dream/consolidate), the
// direct structural analogue of bd's own beads.go — a small set
// of type aliases plus a constructor wiring every tier together.
//
// Most callers only need this package. Direct tier access
// (internal/episodic, internal/semantic, internal/procedural,
// internal/working) is available to embedders who need finer control,
// but the façade is the supported entry point.
package cortexmem

import (
	"context"
	"fmt"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/consolidate"
	"github.com/cortexmem/engine/internal/embedadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/episodic"
	"github.com/cortexmem/engine/internal/procedural"
	"github.com/cortexmem/engine/internal/query"
	"github.com/cortexmem/engine/internal/semantic"
	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/working"
	"go.uber.org/zap"
)

// Re-exported core types for convenience. Most callers need nothing
// from internal/types beyond these.
type (
	Episode    = types.Episode
	CodeUnit   = types.CodeUnit
	Pattern    = types.Pattern
	Dependency = types.Dependency

	EpisodeType     = types.EpisodeType
	Outcome         = types.Outcome
	UnitType        = types.UnitType
	DependencyType  = types.DependencyType
	Priority        = types.Priority
	ID              = types.ID

	Config = engineconfig.EngineConfig

	Result  = query.Result
	Context = query.Context
	Filters = query.Filters
	Report  = consolidate.Report
)

// Priority levels for Remember (working tier).
const (
	Low      = types.Low
	Medium   = types.Medium
	High     = types.High
	Critical = types.Critical
)

// Engine is the wired-together cognitive memory core: four tiers, the
// consolidator, and the unified query planner sit behind it.
type Engine struct {
	working    *working.Cache
	episodic   *episodic.Tier
	semantic   *semantic.Tier
	procedural *procedural.Tier
	consolidator *consolidate.Consolidator
	query      *query.Engine
	log        *zap.Logger
}

// New wires the engine's tiers over the given Store adapter, Clock, and
// configuration. embedder is accepted to complete the adapter triple
// from spec §6, but the engine never calls it directly: callers embed
// text themselves before constructing the Episode/CodeUnit/Pattern they
// pass to Remember* (spec §1 Non-goals: "no automatic embedding
// generation inside the engine"). Pass embedadapter.Noop{} if the
// caller has no embedding producer. log may be nil, in which case
// logging is a no-op.
func New(s store.Store, embedder embedadapter.Embedder, clock clockadapter.Clock, cfg *Config, log *zap.Logger) *Engine {
	if cfg == nil {
		cfg = engineconfig.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ep := episodic.New(s, clock, cfg.Episodic)
	sem := semantic.New(s, clock, cfg.Semantic)
	proc := procedural.New(s, clock, cfg.Procedural)
	workingCache := working.New(cfg.Working, clock)
	lease := &consolidate.Lease{}
	consolidator := consolidate.New(ep, sem, proc, clock, cfg.Consolidator, lease, log)
	qe := query.New(ep, sem, proc, clock, cfg.Query, cfg.Episodic)

	return &Engine{
		working:      workingCache,
		episodic:     ep,
		semantic:     sem,
		procedural:   proc,
		consolidator: consolidator,
		query:        qe,
		log:          log,
	}
}

// RememberEpisode persists a completed unit of agent activity to the
// episodic tier.
func (e *Engine) RememberEpisode(ctx context.Context, ep *types.Episode) error {
	if err := e.episodic.Store(ctx, ep); err != nil {
		return fmt.Errorf("remember episode: %w", err)
	}
	return nil
}

// RememberCodeUnit persists a code structural fact to the semantic tier,
// applying Replace semantics when it supersedes an existing Live unit
// with the same qualified name.
func (e *Engine) RememberCodeUnit(ctx context.Context, u *types.CodeUnit) error {
	if err := e.semantic.StoreUnit(ctx, u); err != nil {
		return fmt.Errorf("remember code unit: %w", err)
	}
	return nil
}

// RememberDependency records a directed edge between two code units.
func (e *Engine) RememberDependency(ctx context.Context, src, tgt types.ID, depType types.DependencyType) (*types.Dependency, error) {
	d, err := e.semantic.StoreDep(ctx, src, tgt, depType)
	if err != nil {
		return nil, fmt.Errorf("remember dependency: %w", err)
	}
	return d, nil
}

// RememberPattern persists reusable procedural knowledge directly,
// bypassing extraction; most patterns instead arrive via Dream/Consolidate.
func (e *Engine) RememberPattern(ctx context.Context, p *types.Pattern) error {
	if err := e.procedural.Store(ctx, p); err != nil {
		return fmt.Errorf("remember pattern: %w", err)
	}
	return nil
}

// RememberTransient places a payload into the volatile working-tier
// cache, returning ErrFull if the payload alone exceeds the cache's
// configured max_bytes.
func (e *Engine) RememberTransient(key string, payload []byte, priority types.Priority) error {
	if err := e.working.Store(key, payload, priority); err != nil {
		return fmt.Errorf("remember transient: %w", err)
	}
	return nil
}

// RecallTransient retrieves a payload from the working tier, bumping its
// recency and access count.
func (e *Engine) RecallTransient(key string) ([]byte, bool) {
	item, ok := e.working.Retrieve(key)
	if !ok {
		return nil, false
	}
	return item.Payload, true
}

// WorkingStats returns the working tier's current hit/miss/eviction
// counters.
func (e *Engine) WorkingStats() working.Stats {
	return e.working.Stats()
}

// Recall returns the unified ranked sequence of results across all three
// durable tiers (spec §4.6).
func (e *Engine) Recall(ctx context.Context, queryVec []float32, k int, filters Filters) ([]Result, error) {
	results, err := e.query.Recall(ctx, queryVec, k, filters)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	return results, nil
}

// ContextOf assembles the cross-tier context around a code unit.
func (e *Engine) ContextOf(ctx context.Context, unitID types.ID, depth int) (Context, error) {
	c, err := e.query.ContextOf(ctx, unitID, depth)
	if err != nil {
		return Context{}, fmt.Errorf("context_of: %w", err)
	}
	return c, nil
}

// Associate creates a semantic edge between two Live code units.
func (e *Engine) Associate(ctx context.Context, sourceID, targetID types.ID, depType types.DependencyType) (*types.Dependency, error) {
	d, err := e.query.Associate(ctx, sourceID, targetID, depType)
	if err != nil {
		return nil, fmt.Errorf("associate: %w", err)
	}
	return d, nil
}

// Forget drives episodic forgetting: episodes with importance below
// threshold are removed, and the removed count is returned. Safe to call
// concurrently with reads and with Dream (spec §5).
func (e *Engine) Forget(ctx context.Context, threshold float64) (int, error) {
	n, err := e.query.Forget(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("forget: %w", err)
	}
	return n, nil
}

// Dream runs the full consolidation sweep: all six stages, under the
// exclusive consolidation lease for stages 2-6 (spec §4.5, §5).
func (e *Engine) Dream(ctx context.Context) (*Report, error) {
	r, err := e.consolidator.Run(ctx)
	if err != nil {
		return r, fmt.Errorf("dream: %w", err)
	}
	return r, nil
}

// Consolidate runs incremental consolidation: stage 1 only
// (frequency/relevance update), safe to run concurrently with a Dream
// sweep since it never acquires the consolidation lease (spec §4.5, §5).
func (e *Engine) Consolidate(ctx context.Context) (*Report, error) {
	r, err := e.consolidator.RunIncremental(ctx)
	if err != nil {
		return r, fmt.Errorf("consolidate: %w", err)
	}
	return r, nil
}
