package inference

import (
	"fmt"
	"math"
)

// ReconstructionError returns mean((x - r(x))^2) over the elements of x.
// Graphs that emit a padded output are compared on the first len(x) values.
func ReconstructionError(r Reconstructor, x []float32) (float64, error) {
	if len(x) == 0 {
		return 0, wrap(ErrExecution, fmt.Errorf("empty input"))
	}
	out, err := r.Reconstruct(x)
	if err != nil {
		return 0, err
	}
	if len(out) < len(x) {
		return 0, wrap(ErrExecution, fmt.Errorf("reconstruction has %d values, input has %d", len(out), len(x)))
	}
	mse := meanSquaredError(x, out[:len(x)])
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return 0, wrap(ErrExecution, fmt.Errorf("reconstruction error is not finite (%v)", mse))
	}
	return mse, nil
}

// reconstructionErrorBatch scores each row independently.
func reconstructionErrorBatch(r Reconstructor, rows [][]float32) ([]float64, error) {
	scores := make([]float64, len(rows))
	for i, row := range rows {
		s, err := ReconstructionError(r, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		scores[i] = s
	}
	return scores, nil
}

func meanSquaredError(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum / float64(len(a))
}
