package semantic

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

func newTier(t *testing.T) (*Tier, *clockadapter.Virtual) {
	t.Helper()
	clock := clockadapter.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(memory.New(), clock, engineconfig.Default().Semantic), clock
}

func unit(qname string) *types.CodeUnit {
	return &types.CodeUnit{
		WorkspaceRef:  "ws",
		UnitType:      types.UnitFunction,
		Name:          qname,
		QualifiedName: qname,
		FilePath:      "pkg/file.go",
	}
}

func TestStoreUnitReplaceSemantics(t *testing.T) {
	tier, clock := newTier(t)
	ctx := context.Background()

	first := unit("pkg.Foo")
	require.NoError(t, tier.StoreUnit(ctx, first))
	clock.Advance(time.Minute)

	second := unit("pkg.Foo")
	require.NoError(t, tier.StoreUnit(ctx, second))

	got, err := tier.GetUnit(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplaced, got.Status)

	gotSecond, err := tier.GetUnit(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLive, gotSecond.Status)

	all, err := tier.ByQualifiedName(ctx, "pkg.Foo")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGraphRejectsDepthOverLimit(t *testing.T) {
	tier, _ := newTier(t)
	_, err := tier.Graph(context.Background(), nil, 999, false)
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestGraphExcludesReplacedByDefault(t *testing.T) {
	tier, clock := newTier(t)
	ctx := context.Background()

	a := unit("pkg.A")
	require.NoError(t, tier.StoreUnit(ctx, a))
	b := unit("pkg.B")
	require.NoError(t, tier.StoreUnit(ctx, b))
	_, err := tier.StoreDep(ctx, a.ID, b.ID, types.DepCalls)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	aReplaced := a.ID
	aNew := unit("pkg.A")
	require.NoError(t, tier.StoreUnit(ctx, aNew))

	res, err := tier.Graph(ctx, []types.ID{aReplaced}, 4, false)
	require.NoError(t, err)
	assert.Empty(t, res.Edges, "edges incident on the now-Replaced unit are excluded by default")
}

func TestFindCyclesDetectsTwoNodeCycle(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	a := unit("pkg.A")
	require.NoError(t, tier.StoreUnit(ctx, a))
	b := unit("pkg.B")
	require.NoError(t, tier.StoreUnit(ctx, b))
	_, err := tier.StoreDep(ctx, a.ID, b.ID, types.DepCalls)
	require.NoError(t, err)
	_, err = tier.StoreDep(ctx, b.ID, a.ID, types.DepCalls)
	require.NoError(t, err)

	cycles, err := tier.FindCycles(ctx)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []types.ID{a.ID, b.ID}, cycles[0].Units)
}

func TestFindCyclesIgnoresRecursionSelfLoop(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	a := unit("pkg.A")
	require.NoError(t, tier.StoreUnit(ctx, a))
	_, err := tier.StoreDep(ctx, a.ID, a.ID, types.DepRecurses)
	require.NoError(t, err)

	cycles, err := tier.FindCycles(ctx)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestFindComplexAndUntested(t *testing.T) {
	tier, _ := newTier(t)
	ctx := context.Background()

	complex := unit("pkg.Complex")
	complex.Complexity.Cyclomatic = 40
	require.NoError(t, tier.StoreUnit(ctx, complex))

	simple := unit("pkg.Simple")
	simple.Complexity.Cyclomatic = 2
	simple.Quality.HasTests = true
	require.NoError(t, tier.StoreUnit(ctx, simple))

	hot, err := tier.FindComplex(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hot, 1)
	assert.Equal(t, "pkg.Complex", hot[0].QualifiedName)

	untested, err := tier.FindUntested(ctx)
	require.NoError(t, err)
	require.Len(t, untested, 1)
	assert.Equal(t, "pkg.Complex", untested[0].QualifiedName)
}
