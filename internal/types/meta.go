package types

import "time"

// DefaultEmbeddingDim is the fixed embedding width used when none is
// configured explicitly (spec §3).
const DefaultEmbeddingDim = 1536

// Embedding is a fixed-dimension vector of IEEE-754 floats. A nil or empty
// Embedding is the canonical "embedding absent" state and must short-circuit
// every similarity path that consults it.
type Embedding []float32

// HasEmbedding reports whether e carries usable vector data.
func (e Embedding) HasEmbedding() bool {
	return len(e) > 0
}

// Meta holds the fields every entity in the engine carries: an opaque id
// and the two timestamps required by spec §3. Embedded, not referenced, so
// entities get these fields and the Touch and EnsureID helpers without
// boilerplate getters.
type Meta struct {
	ID        ID        `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch stamps UpdatedAt, assigning CreatedAt too if this is the first
// write.
func (m *Meta) Touch(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// EnsureID assigns a fresh id if none is set, the "assigns id if absent"
// store semantics used throughout the engine's tiers.
func (m *Meta) EnsureID() {
	if m.ID.IsNil() {
		m.ID = NewID()
	}
}
