package query

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/episodic"
	"github.com/cortexmem/engine/internal/procedural"
	"github.com/cortexmem/engine/internal/semantic"
	"github.com/cortexmem/engine/internal/store/memory"
	"github.com/cortexmem/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, *episodic.Tier, *semantic.Tier, *procedural.Tier, *clockadapter.Virtual) {
	t.Helper()
	cfg := engineconfig.Default()
	clock := clockadapter.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New()
	ep := episodic.New(s, clock, cfg.Episodic)
	sem := semantic.New(s, clock, cfg.Semantic)
	proc := procedural.New(s, clock, cfg.Procedural)
	return New(ep, sem, proc, clock, cfg.Query, cfg.Episodic), ep, sem, proc, clock
}

// TestRecallCompositionOrdersPatternThenEpisodeThenUnit mirrors the
// seed scenario: one Episode, one CodeUnit, one Pattern all scoring
// cosine 0.9 to the query, with Episode importance 0.8 and Pattern
// success_rate 0.95. With the default weights, Pattern should outrank
// Episode which should outrank Unit.
func TestRecallCompositionOrdersPatternThenEpisodeThenUnit(t *testing.T) {
	e, ep, sem, proc, _ := newEngine(t)
	ctx := context.Background()

	vec := []float32{1, 0}
	near := []float32{0.9, 0.43588989} // cosine ≈ 0.9 against {1,0}

	episode := &types.Episode{
		Task: "ship feature", Type: types.EpisodeFeature, Outcome: types.OutcomeSuccess,
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute),
		Embedding: near, Importance: 0.8,
	}
	require.NoError(t, ep.Store(ctx, episode))

	unit := &types.CodeUnit{
		WorkspaceRef: "ws", UnitType: types.UnitFunction, Name: "Foo",
		QualifiedName: "pkg.Foo", FilePath: "pkg/foo.go", Embedding: near,
	}
	require.NoError(t, sem.StoreUnit(ctx, unit))

	pattern := &types.Pattern{
		Type: types.PatternCode, Name: "retry-pattern", Embedding: near,
		SuccessCount: 18, FailureCount: 0, // (18+1)/(18+0+2) ≈ 0.95
	}
	require.NoError(t, proc.Store(ctx, pattern))

	results, err := e.Recall(ctx, vec, 10, Filters{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, KindPattern, results[0].Kind)
	assert.Equal(t, KindEpisode, results[1].Kind)
	assert.Equal(t, KindUnit, results[2].Kind)
}

func TestRecallDegradesGracefullyWithoutEmbedding(t *testing.T) {
	e, ep, _, _, _ := newEngine(t)
	ctx := context.Background()

	episode := &types.Episode{
		Task: "no embedding", Type: types.EpisodeChore, Outcome: types.OutcomeSuccess,
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, ep.Store(ctx, episode))

	results, err := e.Recall(ctx, nil, 10, Filters{})
	require.NoError(t, err)
	assert.Empty(t, results, "similarity search with no query vector yields no vector hits")
}

func TestContextOfWalksDepthBoundedEdges(t *testing.T) {
	e, _, sem, _, _ := newEngine(t)
	ctx := context.Background()

	a := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.A", FilePath: "a.go"}
	require.NoError(t, sem.StoreUnit(ctx, a))
	b := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.B", FilePath: "b.go"}
	require.NoError(t, sem.StoreUnit(ctx, b))
	c := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.C", FilePath: "c.go"}
	require.NoError(t, sem.StoreUnit(ctx, c))

	_, err := sem.StoreDep(ctx, a.ID, b.ID, types.DepCalls)
	require.NoError(t, err)
	_, err = sem.StoreDep(ctx, b.ID, c.ID, types.DepCalls)
	require.NoError(t, err)

	ctxDepth1, err := e.ContextOf(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Len(t, ctxDepth1.Dependencies, 1, "depth 1 sees only a->b")

	ctxDepth2, err := e.ContextOf(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, ctxDepth2.Dependencies, 2, "depth 2 also reaches b->c")
}

func TestAssociateRejectsNonLiveEndpoint(t *testing.T) {
	e, _, sem, _, clock := newEngine(t)
	ctx := context.Background()

	a := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.A", FilePath: "a.go"}
	require.NoError(t, sem.StoreUnit(ctx, a))
	b := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.B", FilePath: "b.go"}
	require.NoError(t, sem.StoreUnit(ctx, b))

	clock.Advance(time.Minute)
	aReplaced := a.ID
	aNew := &types.CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.A", FilePath: "a.go"}
	require.NoError(t, sem.StoreUnit(ctx, aNew))

	_, err := e.Associate(ctx, aReplaced, b.ID, types.DepCalls)
	assert.ErrorIs(t, err, types.ErrInvalid)
}
