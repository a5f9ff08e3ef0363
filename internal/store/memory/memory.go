// Package memory provides an in-process Store backend, the default for
// unit tests and embedded deployments. Grounded on bd's
// internal/storage/memory package, which plays the same role for bd's own
// test suite.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

type row struct {
	rec store.Record
}

// Store is a sync.RWMutex-guarded in-memory implementation of
// store.Store.
type Store struct {
	mu      sync.RWMutex
	tables  map[store.Table]map[string]*row
	content map[string][]byte
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		tables:  make(map[store.Table]map[string]*row),
		content: make(map[string][]byte),
	}
}

func (s *Store) tableLocked(t store.Table) map[string]*row {
	tbl, ok := s.tables[t]
	if !ok {
		tbl = make(map[string]*row)
		s.tables[t] = tbl
	}
	return tbl
}

func (s *Store) Put(ctx context.Context, table store.Table, id string, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.tableLocked(table)
	rec.ID = id
	if existing, ok := tbl[id]; ok {
		rec.Version = existing.rec.Version + 1
	} else {
		rec.Version = 1
	}
	tbl[id] = &row{rec: rec}
	return nil
}

func (s *Store) Get(ctx context.Context, table store.Table, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl, ok := s.tables[table]
	if !ok {
		return store.Record{}, types.ErrNotFound
	}
	r, ok := tbl[id]
	if !ok {
		return store.Record{}, types.ErrNotFound
	}
	return r.rec, nil
}

func (s *Store) Delete(ctx context.Context, table store.Table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[table]
	if !ok {
		return types.ErrNotFound
	}
	if _, ok := tbl[id]; !ok {
		return types.ErrNotFound
	}
	delete(tbl, id)
	return nil
}

func (s *Store) Scan(ctx context.Context, table store.Table, filter store.Filter, limit int) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl := s.tables[table]
	out := make([]store.Record, 0, len(tbl))
	for _, r := range tbl {
		if filter != nil && !filter(r.rec) {
			continue
		}
		out = append(out, r.rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) VectorSearch(ctx context.Context, table store.Table, vec []float32, k int, filter store.Filter) ([]store.ScoredID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vec) == 0 || k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tbl := s.tables[table]
	scored := make([]store.ScoredID, 0, len(tbl))
	for _, r := range tbl {
		if filter != nil && !filter(r.rec) {
			continue
		}
		if len(r.rec.Embedding) == 0 {
			continue
		}
		scored = append(scored, store.ScoredID{ID: r.rec.ID, Score: vecmath.Cosine(vec, r.rec.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *Store) CAS(ctx context.Context, table store.Table, id string, expectedVersion int64, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl := s.tableLocked(table)
	existing, ok := tbl[id]
	current := int64(0)
	if ok {
		current = existing.rec.Version
	}
	if current != expectedVersion {
		return types.ErrConflict
	}
	rec.ID = id
	rec.Version = current + 1
	tbl[id] = &row{rec: rec}
	return nil
}

func (s *Store) ContentPut(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.content[hash] = cp
	return nil
}

func (s *Store) ContentGet(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.content[hash]
	if !ok {
		return nil, types.ErrNotFound
	}
	return data, nil
}

var _ store.Store = (*Store)(nil)
