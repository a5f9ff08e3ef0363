package procedural

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/clockadapter"
	"github.com/cortexmem/engine/internal/engineconfig"
	"github.com/cortexmem/engine/internal/store/memory"
	"github.com/cortexmem/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTier(t *testing.T) *Tier {
	t.Helper()
	clock := clockadapter.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(memory.New(), clock, engineconfig.Default().Procedural)
}

func TestStoreGetRoundTrip(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p := &types.Pattern{Type: types.PatternRefactor, Name: "extract-method", Description: "extracts a method"}
	require.NoError(t, tier.Store(ctx, p))

	got, err := tier.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "extract-method", got.Name)
}

func TestRecordApplicationAccumulates(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p := &types.Pattern{Type: types.PatternCode, Name: "p"}
	require.NoError(t, tier.Store(ctx, p))

	require.NoError(t, tier.RecordApplication(ctx, p.ID, true))
	require.NoError(t, tier.RecordApplication(ctx, p.ID, false))

	got, err := tier.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.EqualValues(t, 1, got.FailureCount)
}

func TestMergeCombinesCountsAndPicksLongestDescription(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p1 := &types.Pattern{Type: types.PatternCode, Name: "p1", Description: "short", SuccessCount: 3, Embedding: types.Embedding{1, 0}}
	p2 := &types.Pattern{Type: types.PatternCode, Name: "p2", Description: "a much longer description", FailureCount: 2, Embedding: types.Embedding{0.95, 0.05}}
	require.NoError(t, tier.Store(ctx, p1))
	require.NoError(t, tier.Store(ctx, p2))

	merged, err := tier.Merge(ctx, []types.ID{p1.ID, p2.ID})
	require.NoError(t, err)
	assert.Equal(t, "a much longer description", merged.Description)
	assert.EqualValues(t, 3, merged.SuccessCount)
	assert.EqualValues(t, 2, merged.FailureCount)
	assert.ElementsMatch(t, []types.ID{p1.ID, p2.ID}, merged.Replaces)

	_, err = tier.Get(ctx, p1.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "merged inputs are removed")
}

func TestMergeRejectsMismatchedType(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p1 := &types.Pattern{Type: types.PatternCode, Name: "p1"}
	p2 := &types.Pattern{Type: types.PatternRefactor, Name: "p2"}
	require.NoError(t, tier.Store(ctx, p1))
	require.NoError(t, tier.Store(ctx, p2))

	_, err := tier.Merge(ctx, []types.ID{p1.ID, p2.ID})
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestMergeRejectsBelowMergeThreshold(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p1 := &types.Pattern{Type: types.PatternCode, Name: "p1", Embedding: types.Embedding{1, 0}}
	p2 := &types.Pattern{Type: types.PatternCode, Name: "p2", Embedding: types.Embedding{0, 1}}
	require.NoError(t, tier.Store(ctx, p1))
	require.NoError(t, tier.Store(ctx, p2))

	_, err := tier.Merge(ctx, []types.ID{p1.ID, p2.ID})
	assert.ErrorIs(t, err, types.ErrInvalid)

	_, err = tier.Get(ctx, p1.ID)
	require.NoError(t, err, "a rejected merge must not delete its inputs")
}

func TestRetirementCandidatesBelowThreshold(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	weak := &types.Pattern{Type: types.PatternCode, Name: "weak", SuccessCount: 1, FailureCount: 15}
	strong := &types.Pattern{Type: types.PatternCode, Name: "strong", SuccessCount: 20, FailureCount: 1}
	require.NoError(t, tier.Store(ctx, weak))
	require.NoError(t, tier.Store(ctx, strong))

	candidates, err := tier.RetirementCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "weak", candidates[0].Name)
}

func TestRetireDeletes(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	p := &types.Pattern{Type: types.PatternCode, Name: "p"}
	require.NoError(t, tier.Store(ctx, p))
	require.NoError(t, tier.Retire(ctx, p.ID))

	_, err := tier.Get(ctx, p.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
