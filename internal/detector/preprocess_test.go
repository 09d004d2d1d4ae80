package detector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessor(t *testing.T) {
	mean := []float64{1, 2, 3, 4}
	scale := []float64{2, 0, 1, 4}
	mask := []bool{true, true, false, true}

	t.Run("OutputLengthIsPopcount", func(t *testing.T) {
		p, err := NewPreprocessor(mean, scale, mask)
		require.NoError(t, err)
		assert.Equal(t, 4, p.RawFeatureCount())
		assert.Equal(t, 3, p.SelectedCount())

		out, err := p.Transform([]float64{5, 5, 5, 5})
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("ScalesThenSelectsInOrder", func(t *testing.T) {
		p, err := NewPreprocessor(mean, scale, mask)
		require.NoError(t, err)

		out, err := p.Transform([]float64{3, 7, 100, 12})
		require.NoError(t, err)
		// (3-1)/2, (7-2)/1 with zero scale treated as 1, (12-4)/4
		assert.Equal(t, []float32{1, 5, 2}, out)
	})

	t.Run("WrongLengthIsShapeError", func(t *testing.T) {
		p, err := NewPreprocessor(mean, scale, mask)
		require.NoError(t, err)

		for _, n := range []int{0, 1, 3, 5, 40} {
			_, err := p.Transform(make([]float64, n))
			assert.ErrorIs(t, err, ErrShape, "length %d", n)
			assert.Contains(t, err.Error(), "expected 4 features")
		}
	})

	t.Run("NonFiniteIsFeatureError", func(t *testing.T) {
		p, err := NewPreprocessor(mean, scale, mask)
		require.NoError(t, err)

		_, err = p.Transform([]float64{math.NaN(), 0, 0, 0})
		assert.ErrorIs(t, err, ErrFeature)
		_, err = p.Transform([]float64{0, 0, 0, math.Inf(1)})
		assert.ErrorIs(t, err, ErrFeature)
	})

	t.Run("Deterministic", func(t *testing.T) {
		p, err := NewPreprocessor(mean, scale, mask)
		require.NoError(t, err)
		raw := []float64{0.3, -2, 9, 1e6}
		first, err := p.Transform(raw)
		require.NoError(t, err)
		second, err := p.Transform(raw)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, []float64{0.3, -2, 9, 1e6}, raw)
	})

	t.Run("ConstructionErrors", func(t *testing.T) {
		cases := map[string]struct {
			mean, scale []float64
			mask        []bool
		}{
			"Empty":            {nil, nil, nil},
			"ScaleLength":      {[]float64{0, 0}, []float64{1}, []bool{true, true}},
			"MaskLength":       {[]float64{0, 0}, []float64{1, 1}, []bool{true}},
			"NothingSelected":  {[]float64{0, 0}, []float64{1, 1}, []bool{false, false}},
			"NonFiniteScale":   {[]float64{0, 0}, []float64{1, math.NaN()}, []bool{true, true}},
			"NonFiniteCenters": {[]float64{math.Inf(-1), 0}, []float64{1, 1}, []bool{true, true}},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := NewPreprocessor(tc.mean, tc.scale, tc.mask)
				assert.ErrorIs(t, err, ErrModelLoad)
			})
		}
	})
}
