// Package vecmath provides the vector-similarity primitives shared by every
// tier's similarity path: cosine distance, batch ranking, and the
// mean/normalize operations used by cluster centroids and pattern merge.
package vecmath

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Cosine returns the cosine similarity of a and b in [-1, 1]. Returns 0 if
// either vector is empty or zero-length, which is the "embedding absent"
// short-circuit required by spec §3.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	af := toFloat64(a)
	bf := toFloat64(b)

	dot := floats.Dot(af, bf)
	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (na * nb)
	// Clamp floating-point drift so callers never see outside [-1, 1].
	return math.Max(-1, math.Min(1, cos))
}

// Scored pairs an arbitrary item with its similarity score, the shape every
// k-nearest search returns.
type Scored[T any] struct {
	Item  T
	Score float64
}

// TopK ranks items by descending cosine similarity to query and returns the
// k highest-scoring, breaking ties by the caller-supplied order (stable
// sort preserves input order for equal scores).
func TopK[T any](query []float32, items []T, embeddingOf func(T) []float32, k int) []Scored[T] {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	scored := make([]Scored[T], 0, len(items))
	for _, it := range items {
		scored = append(scored, Scored[T]{Item: it, Score: Cosine(query, embeddingOf(it))})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// MaxCosine returns the highest cosine similarity between query and any
// vector in candidates, or 0 if candidates is empty. Used by novelty
// scoring (spec §4.2: novelty = 1 - max_cosine_to_prior_episode).
func MaxCosine(query []float32, candidates [][]float32) float64 {
	best := 0.0
	for _, c := range candidates {
		if s := Cosine(query, c); s > best {
			best = s
		}
	}
	return best
}

// MeanNormalized returns the length-normalized mean of vectors, the
// embedding update rule for pattern merge (spec §4.4). Returns nil if
// vectors is empty.
func MeanNormalized(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sums := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sums[i] += float64(v[i])
		}
	}
	n := float64(len(vectors))
	for i := range sums {
		sums[i] /= n
	}
	norm := floats.Norm(sums, 2)
	out := make([]float32, dim)
	if norm == 0 {
		return out
	}
	for i, v := range sums {
		out[i] = float32(v / norm)
	}
	return out
}

// Centroid returns the arithmetic mean vector (not length-normalized),
// used for the workspace-activity centroid behind "relevance" (spec §4.5
// stage 1).
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sums := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sums[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sums {
		out[i] = float32(s / n)
	}
	return out
}

// Mean is a thin convenience wrapper over gonum's stat.Mean for scalar
// series (e.g. averaging per-cluster scores), kept here so callers have
// one import for every numeric helper the tiers need.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
