package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuse(t *testing.T) {
	t.Run("SumsToOneForAnyWeightPair", func(t *testing.T) {
		a := []float32{0.7, 0.2, 0.1}
		b := []float32{0.05, 0.05, 0.9}
		for _, wa := range []float64{0, 0.1, 0.25, 0.5, 0.6, 0.9, 1} {
			w := FusionWeights{A: wa, B: 1 - wa}
			require.NoError(t, w.Validate())

			fused, err := Fuse(a, b, w)
			require.NoError(t, err)

			var sum float64
			for i := range fused {
				assert.InDelta(t, wa*float64(a[i])+(1-wa)*float64(b[i]), fused[i], 1e-12)
				sum += fused[i]
			}
			assert.InDelta(t, 1.0, sum, 1e-6, "weights %v", w)
		}
	})

	t.Run("ClassCountMismatch", func(t *testing.T) {
		_, err := Fuse([]float32{0.5, 0.5}, []float32{0.2, 0.3, 0.5}, FusionWeights{A: 0.5, B: 0.5})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("WeightValidation", func(t *testing.T) {
		assert.Error(t, FusionWeights{A: 0.6, B: 0.6}.Validate())
		assert.Error(t, FusionWeights{A: -0.5, B: 1.5}.Validate())
		assert.NoError(t, FusionWeights{A: 0.3, B: 0.7}.Validate())
	})
}

func TestArgmax(t *testing.T) {
	idx, v := Argmax([]float64{0.1, 0.6, 0.3})
	assert.Equal(t, 1, idx)
	assert.Equal(t, 0.6, v)

	t.Run("TiesGoToLowestIndex", func(t *testing.T) {
		idx, v := Argmax([]float64{0.2, 0.4, 0.4})
		assert.Equal(t, 1, idx)
		assert.Equal(t, 0.4, v)
	})

	t.Run("Empty", func(t *testing.T) {
		idx, _ := Argmax(nil)
		assert.Equal(t, -1, idx)
	})
}

func TestCombinedScore(t *testing.T) {
	assert.InDelta(t, 0.25, CombinedScore(0.20, 0.9), 1e-12)
	assert.InDelta(t, 0.5, CombinedScore(0, 0), 1e-12)
	assert.Equal(t, 1.0, CombinedScore(0.9, 0.1))
	assert.Equal(t, 0.0, CombinedScore(0, 1))
}
