// Package sqlite provides a persistent Store backend over a cgo-free
// SQLite driver. Grounded on bd's internal/storage/ephemeral package:
// same driver, same "open, clamp the connection pool to one,
// initialize schema inside a transaction" sequence, generalized from
// bd's ephemeral-bead schema to the engine's four logical tables
// (spec §6).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cortexmem/engine/internal/store"
	"github.com/cortexmem/engine/internal/types"
	"github.com/cortexmem/engine/internal/vecmath"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	embedding  BLOB,
	fields     TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_records_tbl ON records(tbl);
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
`

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; reads proceed concurrently (spec §5)
}

// Open creates or opens a SQLite database at path, initializing the
// schema if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite tolerates a single writer; match the ephemeral store's pool
	// sizing rather than letting database/sql fan out connections it
	// cannot use concurrently anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func (s *Store) Put(ctx context.Context, table store.Table, id string, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: marshal fields: %v", types.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	row := s.db.QueryRowContext(ctx, `SELECT version FROM records WHERE tbl = ? AND id = ?`, string(table), id)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return types.NewAdapterFailure("put", types.Transient, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (tbl, id, version, embedding, fields) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET version = excluded.version, embedding = excluded.embedding, fields = excluded.fields
	`, string(table), id, current+1, encodeEmbedding(rec.Embedding), string(fields))
	if err != nil {
		return types.NewAdapterFailure("put", types.Transient, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table store.Table, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	var version int64
	var embBytes []byte
	var fieldsJSON string
	row := s.db.QueryRowContext(ctx, `SELECT version, embedding, fields FROM records WHERE tbl = ? AND id = ?`, string(table), id)
	switch err := row.Scan(&version, &embBytes, &fieldsJSON); {
	case err == sql.ErrNoRows:
		return store.Record{}, types.ErrNotFound
	case err != nil:
		return store.Record{}, types.NewAdapterFailure("get", types.Transient, err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return store.Record{}, fmt.Errorf("%w: unmarshal fields: %v", types.ErrCorruption, err)
	}
	return store.Record{ID: id, Version: version, Embedding: decodeEmbedding(embBytes), Fields: fields}, nil
}

func (s *Store) Delete(ctx context.Context, table store.Table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, string(table), id)
	if err != nil {
		return types.NewAdapterFailure("delete", types.Transient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, table store.Table, filter store.Filter, limit int) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, version, embedding, fields FROM records WHERE tbl = ?`, string(table))
	if err != nil {
		return nil, types.NewAdapterFailure("scan", types.Transient, err)
	}
	defer rows.Close()

	out := make([]store.Record, 0)
	for rows.Next() {
		var id, fieldsJSON string
		var version int64
		var embBytes []byte
		if err := rows.Scan(&id, &version, &embBytes, &fieldsJSON); err != nil {
			return nil, types.NewAdapterFailure("scan", types.Transient, err)
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, fmt.Errorf("%w: unmarshal fields: %v", types.ErrCorruption, err)
		}
		rec := store.Record{ID: id, Version: version, Embedding: decodeEmbedding(embBytes), Fields: fields}
		if filter != nil && !filter(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// VectorSearch performs a brute-force linear scan over the table's
// embeddings. Acceptable for the reference adapter: spec §1 places the
// real ANN index out of scope as an external collaborator.
func (s *Store) VectorSearch(ctx context.Context, table store.Table, vec []float32, k int, filter store.Filter) ([]store.ScoredID, error) {
	if len(vec) == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := s.Scan(ctx, table, filter, 0)
	if err != nil {
		return nil, err
	}
	scored := make([]store.ScoredID, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding) == 0 {
			continue
		}
		scored = append(scored, store.ScoredID{ID: r.ID, Score: vecmath.Cosine(vec, r.Embedding)})
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
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: marshal fields: %v", types.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO records (tbl, id, version, embedding, fields)
			SELECT ?, ?, 1, ?, ? WHERE NOT EXISTS (SELECT 1 FROM records WHERE tbl = ? AND id = ?)
		`, string(table), id, encodeEmbedding(rec.Embedding), string(fields), string(table), id)
		if err != nil {
			return types.NewAdapterFailure("cas", types.Transient, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return types.ErrConflict
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET version = ?, embedding = ?, fields = ?
		WHERE tbl = ? AND id = ? AND version = ?
	`, expectedVersion+1, encodeEmbedding(rec.Embedding), string(fields), string(table), id, expectedVersion)
	if err != nil {
		return types.NewAdapterFailure("cas", types.Transient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.ErrConflict
	}
	return nil
}

func (s *Store) ContentPut(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, data) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET data = excluded.data
	`, hash, data)
	if err != nil {
		return types.NewAdapterFailure("content_put", types.Transient, err)
	}
	return nil
}

func (s *Store) ContentGet(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	row := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash = ?`, hash)
	switch err := row.Scan(&data); {
	case err == sql.ErrNoRows:
		return nil, types.ErrNotFound
	case err != nil:
		return nil, types.NewAdapterFailure("content_get", types.Transient, err)
	}
	return data, nil
}

var _ store.Store = (*Store)(nil)
