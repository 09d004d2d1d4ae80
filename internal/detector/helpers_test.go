package detector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/artifacts"
	"github.com/raaihank/edge-sentinel/internal/inference"
	"github.com/raaihank/edge-sentinel/internal/inference/inferencetest"
)

const (
	testRawFeatures      = 6
	testSelectedFeatures = 4
)

var testLabels = []string{"Normal", "DDoS", "ScanPort"}

// fixture wires a memory store and a fake runtime that together load into
// a HybridModel with 6 raw features, 4 selected, and three classes.
type fixture struct {
	store   *artifacts.MemoryStore
	runtime *inferencetest.Runtime
	ae      *inferencetest.Reconstructor
	a, b    *inferencetest.Classifier
	cfg     Config
}

// errorReconstructor reproduces x shifted by sqrt(score), so its
// reconstruction error is score.
func errorReconstructor(score float64) *inferencetest.Reconstructor {
	return inferencetest.ShiftReconstructor(inference.KindAccelerated, testSelectedFeatures, float32(math.Sqrt(score)))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := artifacts.NewMemoryStore()
	require.NoError(t, store.PutJSON(artifacts.Scaler, scalerParams{
		Mean:  make([]float64, testRawFeatures),
		Scale: []float64{1, 1, 1, 1, 1, 1},
	}))
	require.NoError(t, store.PutJSON(artifacts.FeatureMask, []bool{true, false, true, true, false, true}))
	require.NoError(t, store.PutJSON(artifacts.Labels, testLabels))
	for _, name := range []string{artifacts.ClassifierA, artifacts.ClassifierB, artifacts.AnomalyAccelerated, artifacts.AnomalyPortable} {
		store.Put(name, []byte("graph"))
	}

	f := &fixture{
		store:   store,
		runtime: inferencetest.NewRuntime(inference.CapabilityAccelerated),
		ae:      errorReconstructor(0.002),
		a:       &inferencetest.Classifier{Dim: testSelectedFeatures, Classes: 3, Probs: []float32{0.8, 0.1, 0.1}},
		b:       &inferencetest.Classifier{Dim: testSelectedFeatures, Classes: 3, Probs: []float32{0.8, 0.1, 0.1}},
		cfg:     DefaultConfig(),
	}
	f.runtime.Accelerated[artifacts.AnomalyAccelerated] = f.ae
	f.runtime.Classifiers[artifacts.ClassifierA] = f.a
	f.runtime.Classifiers[artifacts.ClassifierB] = f.b
	return f
}

func (f *fixture) load(t *testing.T) *HybridModel {
	t.Helper()
	m, err := Load(f.cfg, f.store, f.runtime, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func (f *fixture) withScore(score float64) {
	f.ae = errorReconstructor(score)
	f.runtime.Accelerated[artifacts.AnomalyAccelerated] = f.ae
}

func (f *fixture) withProbs(a, b []float32) {
	f.a.Probs = a
	f.b.Probs = b
}

func zeros() []float64 {
	return make([]float64, testRawFeatures)
}
