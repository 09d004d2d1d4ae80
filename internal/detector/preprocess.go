package detector

import (
	"errors"
	"fmt"
	"math"
)

// Preprocessor applies a fitted standard scaler and a feature mask.
// It holds no mutable state and is safe for concurrent use.
type Preprocessor struct {
	mean     []float64
	scale    []float64
	selected []int
}

// NewPreprocessor validates scaler and mask dimensions.
func NewPreprocessor(mean, scale []float64, mask []bool) (*Preprocessor, error) {
	if len(mean) == 0 {
		return nil, wrap(ErrModelLoad, errors.New("scaler has no features"))
	}
	if len(mean) != len(scale) {
		return nil, wrap(ErrModelLoad, fmt.Errorf("scaler mean has %d values, scale has %d", len(mean), len(scale)))
	}
	if len(mask) != len(mean) {
		return nil, wrap(ErrModelLoad, fmt.Errorf("feature mask has %d entries, scaler has %d features", len(mask), len(mean)))
	}

	selected := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			selected = append(selected, i)
		}
	}
	if len(selected) == 0 {
		return nil, wrap(ErrModelLoad, errors.New("feature mask selects no features"))
	}

	p := &Preprocessor{
		mean:     append([]float64(nil), mean...),
		scale:    make([]float64, len(scale)),
		selected: selected,
	}
	for i, s := range scale {
		if math.IsNaN(s) || math.IsInf(s, 0) || math.IsNaN(mean[i]) || math.IsInf(mean[i], 0) {
			return nil, wrap(ErrModelLoad, fmt.Errorf("scaler parameter %d is not finite", i))
		}
		// a fitted scaler stores 1 for constant features
		if s == 0 {
			s = 1
		}
		p.scale[i] = s
	}
	return p, nil
}

// RawFeatureCount is the expected length of Transform's input.
func (p *Preprocessor) RawFeatureCount() int {
	return len(p.mean)
}

// SelectedCount is the length of Transform's output.
func (p *Preprocessor) SelectedCount() int {
	return len(p.selected)
}

// Transform scales raw and keeps the masked positions in order.
func (p *Preprocessor) Transform(raw []float64) ([]float32, error) {
	if len(raw) != len(p.mean) {
		return nil, wrap(ErrShape, fmt.Errorf("expected %d features, got %d", len(p.mean), len(raw)))
	}
	out := make([]float32, len(p.selected))
	for j, i := range p.selected {
		v := raw[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, wrap(ErrFeature, fmt.Errorf("feature %d is not finite", i))
		}
		out[j] = float32((v - p.mean[i]) / p.scale[i])
	}
	return out, nil
}
