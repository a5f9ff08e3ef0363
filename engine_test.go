package cortexmem

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/embedadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store/memory"
	"github.com/cortexmem/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *clockadapter.Virtual) {
	t.Helper()
	clock := clockadapter.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := New(memory.New(), embedadapter.Noop{}, clock, engineconfig.Default(), nil)
	return e, clock
}

func TestRememberRecallRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ep := &Episode{
		Task: "fix the flaky test", Type: types.EpisodeBugfix, Outcome: types.OutcomeSuccess,
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute),
		Embedding: types.Embedding{1, 0}, Importance: 0.7,
	}
	require.NoError(t, e.RememberEpisode(ctx, ep))

	results, err := e.Recall(ctx, []float32{1, 0}, 5, Filters{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ep.ID, results[0].Episode.ID)
}

func TestRememberCodeUnitAndAssociate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := &CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.A", FilePath: "a.go"}
	require.NoError(t, e.RememberCodeUnit(ctx, a))
	b := &CodeUnit{WorkspaceRef: "ws", UnitType: types.UnitFunction, QualifiedName: "pkg.B", FilePath: "b.go"}
	require.NoError(t, e.RememberCodeUnit(ctx, b))

	dep, err := e.Associate(ctx, a.ID, b.ID, types.DepCalls)
	require.NoError(t, err)
	assert.Equal(t, a.ID, dep.SourceID)

	c, err := e.ContextOf(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.Unit.ID)
	require.Len(t, c.Dependencies, 1)
	assert.Equal(t, b.ID, c.Dependencies[0].TargetID)
}

func TestForgetRemovesLowImportanceEpisodes(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ep := &Episode{
		Task: "trivial", Type: types.EpisodeChore, Outcome: types.OutcomeAbandoned,
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute), Importance: 0.05,
	}
	require.NoError(t, e.RememberEpisode(ctx, ep))

	n, err := e.Forget(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.Forget(ctx, 0.1)
	require.NoError(t, err)
	assert.Zero(t, n, "forget must be idempotent on the second call")
}

func TestDreamRunsFullSweep(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ep := &Episode{
			Task: "ship feature", Type: types.EpisodeFeature, Outcome: types.OutcomeSuccess,
			StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute),
			Embedding: types.Embedding{1, 0},
		}
		require.NoError(t, e.RememberEpisode(ctx, ep))
	}

	report, err := e.Dream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PatternsExtracted)
}

func TestConsolidateOnlyTouchesFrequencyRelevance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ep := &Episode{
		Task: "a", Type: types.EpisodeFeature, Outcome: types.OutcomeSuccess,
		StartedAt: time.Now(), EndedAt: time.Now().Add(time.Minute), Embedding: types.Embedding{1, 0},
	}
	require.NoError(t, e.RememberEpisode(ctx, ep))

	report, err := e.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EpisodesProcessed)
	assert.Zero(t, report.PatternsExtracted, "incremental consolidation never runs pattern extraction")
}

func TestWorkingTierRememberRecall(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.RememberTransient("k1", []byte("hello"), Critical))
	payload, ok := e.RecallTransient("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), payload)

	_, ok = e.RecallTransient("missing")
	assert.False(t, ok)
}
