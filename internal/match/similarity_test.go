package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float64
		b        []float64
		expected float64
	}{
		{
			name:     "identical vectors",
			a:        []float64{1, 2, 3},
			b:        []float64{1, 2, 3},
			expected: 1.0,
		},
		{
			name:     "orthogonal vectors",
			a:        []float64{1, 0},
			b:        []float64{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite vectors clamped to zero",
			a:        []float64{1, 0},
			b:        []float64{-1, 0},
			expected: 0.0,
		},
		{
			name:     "dimension mismatch",
			a:        []float64{1, 2, 3},
			b:        []float64{1, 2},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float64{0, 0, 0},
			b:        []float64{1, 2, 3},
			expected: 0.0,
		},
		{
			name:     "empty vectors",
			a:        nil,
			b:        nil,
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarityScaleInvariant(t *testing.T) {
	a := []float64{0.3, 0.5, 0.2}
	scaled := []float64{3, 5, 2}
	assert.InDelta(t, 1.0, CosineSimilarity(a, scaled), 1e-9)
}

func TestCosineSimilarityBounded(t *testing.T) {
	a := []float64{0.1, -0.7, 0.4, 0.2}
	b := []float64{-0.5, 0.3, 0.9, -0.1}
	got := CosineSimilarity(a, b)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 1.0)
}
