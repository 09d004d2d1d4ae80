//go:build !onnx
// +build !onnx

package inference

import (
	"errors"

	"go.uber.org/zap"
)

var errNoONNX = errors.New("built without onnx tag")

// stubRuntime is used when the binary is built without ONNX Runtime.
// Every load fails so callers degrade exactly as they would on a host
// without inference support.
type stubRuntime struct{}

// NewRuntime returns a runtime that reports no inference capability.
func NewRuntime(_ RuntimeConfig, logger *zap.Logger) (Runtime, error) {
	logger.Warn("Inference runtime unavailable", zap.String("reason", errNoONNX.Error()))
	return stubRuntime{}, nil
}

func (stubRuntime) Capability() CapabilityReport {
	return CapabilityReport{Capability: CapabilityUnavailable, Reason: errNoONNX.Error()}
}

func (stubRuntime) LoadAcceleratedReconstructor(string, []byte) (Reconstructor, error) {
	return nil, wrap(ErrBackendUnavailable, errNoONNX)
}

func (stubRuntime) LoadPortableReconstructor(string, []byte) (Reconstructor, error) {
	return nil, wrap(ErrBackendUnavailable, errNoONNX)
}

func (stubRuntime) LoadPortableClassifier(string, []byte) (ProbabilityScorer, error) {
	return nil, wrap(ErrBackendUnavailable, errNoONNX)
}

func (stubRuntime) Close() error { return nil }
