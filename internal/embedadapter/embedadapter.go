// Package embedadapter defines the optional Embedding collaborator
// (spec §6). The engine treats a nil vector as "no embedding available"
// and skips similarity paths for the affected record.
package embedadapter

import "context"

// Embedder turns text into a vector, or nil if no embedding could be
// produced.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Noop is a stub Embedder that always reports "no embedding available",
// the correct default for an engine deployed without an embedding
// producer wired in.
type Noop struct{}

func (Noop) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, nil
}
