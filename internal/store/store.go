// Package store declares the Store adapter contract (spec §6): the
// persistent key/value + vector store the engine treats as an external
// collaborator. Two concrete backends ship in sub-packages: memory (an
// in-process map, the default for tests and embedded use) and sqlite (a
// real, cgo-free persistent adapter).
package store

import "context"

// Table names the four logical tables the engine persists into (spec §6).
type Table string

const (
	TableEpisode    Table = "episode"
	TableCodeUnit   Table = "code_unit"
	TablePattern    Table = "pattern"
	TableDependsOn  Table = "depends_on"
)

// Record is one row: an opaque id, its current optimistic-concurrency
// version, an embedding (nil if absent), and the entity payload as the
// caller's own serializable type. Tiers marshal/unmarshal Fields
// themselves; the store only moves bytes-shaped data.
type Record struct {
	ID        string
	Version   int64
	Embedding []float32
	Fields    map[string]any
}

// Filter is a predicate the store applies during Scan. A nil Filter
// matches every record. Filters never inspect Embedding — similarity
// filtering goes through VectorSearch.
type Filter func(Record) bool

// ScoredID is one hit from a vector search: the record id and its
// similarity score, highest first (spec §6: vector_search returns
// [(id, score)]).
type ScoredID struct {
	ID    string
	Score float64
}

// Store is the full adapter capability set the engine consumes (spec §6).
// Every method is context-aware (the suspension points of spec §5) and
// fallible.
type Store interface {
	Put(ctx context.Context, table Table, id string, rec Record) error
	Get(ctx context.Context, table Table, id string) (Record, error)
	Delete(ctx context.Context, table Table, id string) error
	Scan(ctx context.Context, table Table, filter Filter, limit int) ([]Record, error)

	// VectorSearch performs ANN (or, for the reference adapters, a linear
	// scan) over the pre-built index keyed by (table, "embedding").
	VectorSearch(ctx context.Context, table Table, vec []float32, k int, filter Filter) ([]ScoredID, error)

	// CAS performs optimistic-concurrency compare-and-set. It fails with
	// types.ErrConflict if the stored version does not match
	// expectedVersion. No tier calls it: the semantic tier's Replace path
	// writes with Put, so Replace and qualified_name uniqueness are not
	// guarded by a version check.
	CAS(ctx context.Context, table Table, id string, expectedVersion int64, rec Record) error

	ContentPut(ctx context.Context, hash string, data []byte) error
	ContentGet(ctx context.Context, hash string) ([]byte, error)
}
