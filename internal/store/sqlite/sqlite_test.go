package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqlitePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := store.Record{
		Fields:    map[string]any{"task": "ship feature"},
		Embedding: []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, s.Put(ctx, store.TableEpisode, "e1", rec))

	got, err := s.Get(ctx, store.TableEpisode, "e1")
	require.NoError(t, err)
	assert.Equal(t, "ship feature", got.Fields["task"])
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, got.Embedding, 1e-6)
	assert.EqualValues(t, 1, got.Version)
}

func TestSqliteCASConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CAS(ctx, store.TableCodeUnit, "u1", 0, store.Record{Fields: map[string]any{"status": "live"}}))
	err := s.CAS(ctx, store.TableCodeUnit, "u1", 0, store.Record{})
	assert.ErrorIs(t, err, types.ErrConflict)

	require.NoError(t, s.CAS(ctx, store.TableCodeUnit, "u1", 1, store.Record{Fields: map[string]any{"status": "replaced"}}))
}

func TestSqliteContentBlob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ContentPut(ctx, "abc", []byte("body text")))

	data, err := s.ContentGet(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "body text", string(data))
}

func TestSqliteVectorSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, store.TablePattern, "p1", store.Record{Embedding: []float32{1, 0}}))
	require.NoError(t, s.Put(ctx, store.TablePattern, "p2", store.Record{Embedding: []float32{0, 1}}))

	hits, err := s.VectorSearch(ctx, store.TablePattern, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].ID)
}

func TestSqliteDeleteMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete(context.Background(), store.TableEpisode, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
