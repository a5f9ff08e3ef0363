package episodic

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/store/memory"
	"github.com/cortexmem/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTier(t *testing.T) (*Tier, *clockadapter.Virtual) {
	t.Helper()
	clock := clockadapter.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(memory.New(), clock, engineconfig.Default().Episodic), clock
}

func sampleEpisode(task string, outcome types.Outcome) *types.Episode {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.Episode{
		Task:      task,
		Type:      types.EpisodeFeature,
		Outcome:   outcome,
		StartedAt: now,
		EndedAt:   now.Add(time.Minute),
	}
}

func TestStoreGetRoundTrip(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	e := sampleEpisode("add caching layer", types.OutcomeSuccess)
	e.Embedding = types.Embedding{0.1, 0.2, 0.3}
	require.NoError(t, tier.Store(ctx, e))
	assert.False(t, e.ID.IsNil())

	got, err := tier.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "add caching layer", got.Task)
	assert.Equal(t, types.OutcomeSuccess, got.Outcome)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, []float32(got.Embedding), 1e-6)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	tier, clock := newTier(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := sampleEpisode("task", types.OutcomeSuccess)
		require.NoError(t, tier.Store(ctx, e))
		clock.Advance(time.Minute)
	}
	recent, err := tier.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].CreatedAt.After(recent[1].CreatedAt))
}

func TestByOutcomeFilters(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Store(ctx, sampleEpisode("a", types.OutcomeSuccess)))
	require.NoError(t, tier.Store(ctx, sampleEpisode("b", types.OutcomeFailure)))

	failed, err := tier.ByOutcome(ctx, types.OutcomeFailure, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Task)
}

func TestSimilarRespectsFilter(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	a := sampleEpisode("a", types.OutcomeSuccess)
	a.Embedding = types.Embedding{1, 0}
	require.NoError(t, tier.Store(ctx, a))

	b := sampleEpisode("b", types.OutcomeFailure)
	b.Embedding = types.Embedding{1, 0}
	require.NoError(t, tier.Store(ctx, b))

	hits, err := tier.Similar(ctx, []float32{1, 0}, 5, SimilarFilter{Outcome: types.OutcomeSuccess})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Task)
}

func TestRecomputeImportanceClampedAndWeighted(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	e := sampleEpisode("refactor module", types.OutcomeSuccess)
	e.EntitiesModified = []types.ID{types.NewID(), types.NewID()}
	e.ToolsUsed = []string{"grep", "edit"}
	e.Embedding = types.Embedding{1, 0}
	require.NoError(t, tier.Store(ctx, e))

	require.NoError(t, tier.RecomputeImportance(ctx, e, nil))
	assert.GreaterOrEqual(t, e.Importance, 0.0)
	assert.LessOrEqual(t, e.Importance, 1.0)
	assert.Greater(t, e.Importance, 0.0)
}

func TestMergeSumsAndUnionsAcrossInputs(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	a := sampleEpisode("fix flaky test", types.OutcomeSuccess)
	a.Embedding = types.Embedding{1, 0}
	a.ToolsUsed = []string{"grep"}
	a.TokenUsage = types.TokenUsage{Prompt: 100, Completion: 20}
	require.NoError(t, tier.Store(ctx, a))

	b := sampleEpisode("fix the flaky test again", types.OutcomeSuccess)
	b.Embedding = types.Embedding{1, 0}
	b.ToolsUsed = []string{"grep", "edit"}
	b.TokenUsage = types.TokenUsage{Prompt: 50, Completion: 10}
	require.NoError(t, tier.Store(ctx, b))

	merged, err := tier.Merge(ctx, []types.ID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky test again", merged.Task, "longest task description wins, matching Merge's pattern analogue")
	assert.EqualValues(t, 150, merged.TokenUsage.Prompt)
	assert.EqualValues(t, 30, merged.TokenUsage.Completion)
	assert.ElementsMatch(t, []string{"grep", "edit"}, merged.ToolsUsed)
	assert.ElementsMatch(t, []types.ID{a.ID, b.ID}, merged.Replaces)

	_, err = tier.loadRaw(ctx, a.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "merged inputs are removed")
}

func TestForgetRemovesBelowThresholdIdempotently(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	e := sampleEpisode("low value chore", types.OutcomeAbandoned)
	require.NoError(t, tier.Store(ctx, e))
	e.Importance = 0.05
	require.NoError(t, tier.store.Put(ctx, store.TableEpisode, e.ID.String(), toRecord(e)))

	n, err := tier.Forget(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tier.Forget(ctx, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "forget must be idempotent once the episode is gone")
}
