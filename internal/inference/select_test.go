package inference_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/artifacts"
	"github.com/raaihank/edge-sentinel/internal/inference"
	"github.com/raaihank/edge-sentinel/internal/inference/inferencetest"
)

func selectOpts() inference.SelectOptions {
	return inference.SelectOptions{
		AcceleratedArtifact: artifacts.AnomalyAccelerated,
		PortableArtifact:    artifacts.AnomalyPortable,
	}
}

func graphStore(names ...string) *artifacts.MemoryStore {
	s := artifacts.NewMemoryStore()
	for _, n := range names {
		s.Put(n, []byte("graph"))
	}
	return s
}

func TestSelectReconstructor(t *testing.T) {
	logger := zap.NewNop()

	t.Run("PrefersAccelerated", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityAccelerated)
		rt.Accelerated[artifacts.AnomalyAccelerated] = inferencetest.ShiftReconstructor(inference.KindAccelerated, 4, 0)
		rt.Portable[artifacts.AnomalyPortable] = inferencetest.ShiftReconstructor(inference.KindPortable, 4, 0)

		r, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), selectOpts(), logger)
		require.NoError(t, err)
		assert.Equal(t, inference.KindAccelerated, r.Kind())
		assert.Equal(t, inference.KindAccelerated, sel.Chosen)
		assert.Empty(t, sel.Attempts)
		assert.Equal(t, []string{"accelerated:" + artifacts.AnomalyAccelerated}, rt.Loaded())
	})

	t.Run("FallsBackWhenAcceleratedLoadFails", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityAccelerated)
		rt.LoadErrors[artifacts.AnomalyAccelerated] = errors.New("engine build failed")
		rt.Portable[artifacts.AnomalyPortable] = inferencetest.ShiftReconstructor(inference.KindPortable, 4, 0)

		r, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), selectOpts(), logger)
		require.NoError(t, err)
		assert.Equal(t, inference.KindPortable, r.Kind())
		assert.Equal(t, inference.KindPortable, sel.Chosen)
		require.Len(t, sel.Attempts, 1)
		assert.Equal(t, inference.KindAccelerated, sel.Attempts[0].Kind)
		assert.Contains(t, sel.Attempts[0].Error, "engine build failed")
	})

	t.Run("ForcePortableSkipsAccelerated", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityAccelerated)
		rt.Accelerated[artifacts.AnomalyAccelerated] = inferencetest.ShiftReconstructor(inference.KindAccelerated, 4, 0)
		rt.Portable[artifacts.AnomalyPortable] = inferencetest.ShiftReconstructor(inference.KindPortable, 4, 0)

		opts := selectOpts()
		opts.ForcePortable = true
		r, _, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), opts, logger)
		require.NoError(t, err)
		assert.Equal(t, inference.KindPortable, r.Kind())
		assert.Equal(t, []string{"portable:" + artifacts.AnomalyPortable}, rt.Loaded())
	})

	t.Run("PortableHostNeverTriesAccelerated", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityPortable)
		rt.Portable[artifacts.AnomalyPortable] = inferencetest.ShiftReconstructor(inference.KindPortable, 4, 0)

		r, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), selectOpts(), logger)
		require.NoError(t, err)
		assert.Equal(t, inference.KindPortable, r.Kind())
		assert.Len(t, sel.Attempts, 1)
		assert.NotContains(t, rt.Loaded(), "accelerated:"+artifacts.AnomalyAccelerated)
	})

	t.Run("MissingAcceleratedArtifact", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityAccelerated)
		rt.Portable[artifacts.AnomalyPortable] = inferencetest.ShiftReconstructor(inference.KindPortable, 4, 0)

		r, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyPortable), selectOpts(), logger)
		require.NoError(t, err)
		assert.Equal(t, inference.KindPortable, r.Kind())
		require.Len(t, sel.Attempts, 1)
		assert.Contains(t, sel.Attempts[0].Error, "artifact not found")
	})

	t.Run("NoBackendAvailable", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityUnavailable)

		r, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), selectOpts(), logger)
		assert.Nil(t, r)
		assert.ErrorIs(t, err, inference.ErrNoBackendAvailable)
		assert.Len(t, sel.Attempts, 2)
		assert.Empty(t, rt.Loaded())
	})

	t.Run("BothLoadsFail", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityAccelerated)
		rt.LoadErrors[artifacts.AnomalyAccelerated] = errors.New("bad engine")
		rt.LoadErrors[artifacts.AnomalyPortable] = errors.New("bad graph")

		_, sel, err := inference.SelectReconstructor(rt, graphStore(artifacts.AnomalyAccelerated, artifacts.AnomalyPortable), selectOpts(), logger)
		require.Error(t, err)
		assert.ErrorIs(t, err, inference.ErrNoBackendAvailable)
		assert.ErrorIs(t, err, inference.ErrEngineLoad)
		assert.Contains(t, err.Error(), "bad engine")
		assert.Contains(t, err.Error(), "bad graph")
		assert.Empty(t, sel.Chosen)
	})
}

func TestLoadClassifier(t *testing.T) {
	t.Run("Loads", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityPortable)
		rt.Classifiers[artifacts.ClassifierA] = &inferencetest.Classifier{Dim: 3, Classes: 2, Probs: []float32{0.5, 0.5}}

		c, err := inference.LoadClassifier(rt, graphStore(artifacts.ClassifierA), artifacts.ClassifierA)
		require.NoError(t, err)
		assert.Equal(t, 2, c.NumClasses())
	})

	t.Run("MissingArtifact", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityPortable)
		_, err := inference.LoadClassifier(rt, graphStore(), artifacts.ClassifierA)
		assert.ErrorIs(t, err, inference.ErrEngineLoad)
		assert.ErrorIs(t, err, artifacts.ErrNotFound)
	})

	t.Run("UnavailableHost", func(t *testing.T) {
		rt := inferencetest.NewRuntime(inference.CapabilityUnavailable)
		_, err := inference.LoadClassifier(rt, graphStore(artifacts.ClassifierA), artifacts.ClassifierA)
		assert.ErrorIs(t, err, inference.ErrBackendUnavailable)
	})
}

func TestReconstructionError(t *testing.T) {
	t.Run("ShiftGivesSquaredDelta", func(t *testing.T) {
		r := inferencetest.ShiftReconstructor(inference.KindPortable, 3, 0.5)
		score, err := inference.ReconstructionError(r, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.InDelta(t, 0.25, score, 1e-9)
	})

	t.Run("PerfectReconstruction", func(t *testing.T) {
		r := inferencetest.ShiftReconstructor(inference.KindPortable, 2, 0)
		score, err := inference.ReconstructionError(r, []float32{-1, 7})
		require.NoError(t, err)
		assert.Zero(t, score)
	})

	t.Run("PaddedOutputComparedOnPrefix", func(t *testing.T) {
		r := &inferencetest.Reconstructor{Dim: 2, Fn: func(x []float32) []float32 {
			return []float32{x[0], x[1], 100, 100}
		}}
		score, err := inference.ReconstructionError(r, []float32{3, 4})
		require.NoError(t, err)
		assert.Zero(t, score)
	})

	t.Run("ShortOutput", func(t *testing.T) {
		r := &inferencetest.Reconstructor{Dim: 2, Fn: func(x []float32) []float32 { return x[:1] }}
		_, err := inference.ReconstructionError(r, []float32{3, 4})
		assert.ErrorIs(t, err, inference.ErrExecution)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		r := inferencetest.ShiftReconstructor(inference.KindPortable, 0, 0)
		_, err := inference.ReconstructionError(r, nil)
		assert.ErrorIs(t, err, inference.ErrExecution)
	})

	t.Run("NaNOutput", func(t *testing.T) {
		r := &inferencetest.Reconstructor{Dim: 2, Fn: func(x []float32) []float32 {
			return []float32{float32(math.NaN()), float32(math.NaN())}
		}}
		_, err := inference.ReconstructionError(r, []float32{3, 4})
		assert.ErrorIs(t, err, inference.ErrExecution)
	})

	t.Run("InfOutput", func(t *testing.T) {
		r := &inferencetest.Reconstructor{Dim: 2, Fn: func(x []float32) []float32 {
			return []float32{float32(math.Inf(1)), 0}
		}}
		_, err := inference.ReconstructionError(r, []float32{3, 4})
		assert.ErrorIs(t, err, inference.ErrExecution)
	})
}
