package detector

import (
	"fmt"
	"math"
)

const weightTolerance = 1e-6

// Validate requires non-negative weights that sum to 1.
func (w FusionWeights) Validate() error {
	if w.A < 0 || w.B < 0 || math.IsNaN(w.A) || math.IsNaN(w.B) {
		return fmt.Errorf("fusion weights must be non-negative, got %v/%v", w.A, w.B)
	}
	if math.Abs(w.A+w.B-1) > weightTolerance {
		return fmt.Errorf("fusion weights must sum to 1, got %v", w.A+w.B)
	}
	return nil
}

// Fuse computes fused[i] = wA*a[i] + wB*b[i].
func Fuse(a, b []float32, w FusionWeights) ([]float64, error) {
	if len(a) != len(b) {
		return nil, wrap(ErrShapeMismatch, fmt.Errorf("classifier A returned %d classes, classifier B returned %d", len(a), len(b)))
	}
	fused := make([]float64, len(a))
	for i := range a {
		fused[i] = w.A*float64(a[i]) + w.B*float64(b[i])
	}
	return fused, nil
}

// Argmax returns the index and value of the largest element. Ties go to the
// lowest index. It returns -1 for an empty or all-NaN slice.
func Argmax(p []float64) (int, float64) {
	best, bestVal := -1, math.Inf(-1)
	for i, v := range p {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestVal
}

// CombinedScore adds a bounded classifier-uncertainty penalty to the anomaly
// score. The result is clamped to [0, 1].
func CombinedScore(aeScore, confidence float64) float64 {
	return math.Max(0, math.Min(1, aeScore+(1-confidence)*0.5))
}
