package vecmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-9)
}

func TestCosineOrthogonal(t *testing.T) {
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestCosineEmptyShortCircuits(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, nil))
}

func TestTopKOrdersDescending(t *testing.T) {
	type item struct {
		name string
		vec  []float32
	}
	items := []item{
		{"a", []float32{1, 0}},
		{"b", []float32{0.9, 0.1}},
		{"c", []float32{0, 1}},
	}
	ranked := TopK([]float32{1, 0}, items, func(i item) []float32 { return i.vec }, 2)
	assert.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].Item.name)
	assert.Equal(t, "b", ranked[1].Item.name)
}

func TestMeanNormalizedUnitLength(t *testing.T) {
	mean := MeanNormalized([][]float32{{1, 0}, {0, 1}})
	assert.InDelta(t, 1.0, Cosine(mean, mean), 1e-6)
	norm := mean[0]*mean[0] + mean[1]*mean[1]
	assert.InDelta(t, 1.0, float64(norm), 1e-4)
}

func TestMaxCosineEmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, MaxCosine([]float32{1, 0}, nil))
}
