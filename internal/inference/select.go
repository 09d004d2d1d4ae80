package inference

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/artifacts"
)

// SelectOptions controls reconstructor selection.
type SelectOptions struct {
	AcceleratedArtifact string
	PortableArtifact    string
	ForcePortable       bool
}

// Attempt records one step of backend selection.
type Attempt struct {
	Kind     Kind   `json:"kind"`
	Artifact string `json:"artifact"`
	Error    string `json:"error,omitempty"`
}

// Selection reports which backend was chosen and what was tried first.
type Selection struct {
	Chosen   Kind      `json:"chosen,omitempty"`
	Attempts []Attempt `json:"attempts"`
}

// SelectReconstructor picks the accelerated reconstructor unless the caller
// forces the portable path, the host cannot accelerate, or loading the
// accelerated graph fails. It then tries the portable graph. When neither
// can be built it returns ErrNoBackendAvailable and the caller should treat
// anomaly scoring as unavailable.
func SelectReconstructor(rt Runtime, store artifacts.Store, opts SelectOptions, logger *zap.Logger) (Reconstructor, Selection, error) {
	var (
		sel  Selection
		errs []error
	)
	capability := rt.Capability()

	record := func(kind Kind, artifact string, err error) {
		sel.Attempts = append(sel.Attempts, Attempt{Kind: kind, Artifact: artifact, Error: err.Error()})
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
	}

	switch {
	case opts.ForcePortable:
		record(KindAccelerated, opts.AcceleratedArtifact, wrap(ErrBackendUnavailable, errors.New("accelerated path disabled by configuration")))
	case !capability.CanAccelerate():
		record(KindAccelerated, opts.AcceleratedArtifact, wrap(ErrBackendUnavailable, fmt.Errorf("host capability is %s: %s", capability.Capability, capability.Reason)))
	case !store.Exists(opts.AcceleratedArtifact):
		record(KindAccelerated, opts.AcceleratedArtifact, wrap(ErrEngineLoad, fmt.Errorf("%w: %s", artifacts.ErrNotFound, store.Path(opts.AcceleratedArtifact))))
	default:
		r, err := loadWith(store, opts.AcceleratedArtifact, rt.LoadAcceleratedReconstructor)
		if err == nil {
			sel.Chosen = KindAccelerated
			logger.Info("Anomaly scorer loaded",
				zap.String("backend", string(KindAccelerated)),
				zap.String("provider", capability.Provider),
				zap.String("artifact", store.Path(opts.AcceleratedArtifact)),
				zap.Int("input_dim", r.InputDim()))
			return r, sel, nil
		}
		record(KindAccelerated, opts.AcceleratedArtifact, err)
		logger.Warn("Accelerated anomaly scorer failed to load, trying portable graph", zap.Error(err))
	}

	switch {
	case !capability.CanRunPortable():
		record(KindPortable, opts.PortableArtifact, wrap(ErrBackendUnavailable, fmt.Errorf("host capability is %s: %s", capability.Capability, capability.Reason)))
	case !store.Exists(opts.PortableArtifact):
		record(KindPortable, opts.PortableArtifact, wrap(ErrEngineLoad, fmt.Errorf("%w: %s", artifacts.ErrNotFound, store.Path(opts.PortableArtifact))))
	default:
		r, err := loadWith(store, opts.PortableArtifact, rt.LoadPortableReconstructor)
		if err == nil {
			sel.Chosen = KindPortable
			logger.Info("Anomaly scorer loaded",
				zap.String("backend", string(KindPortable)),
				zap.String("artifact", store.Path(opts.PortableArtifact)),
				zap.Int("input_dim", r.InputDim()))
			return r, sel, nil
		}
		record(KindPortable, opts.PortableArtifact, err)
	}

	return nil, sel, wrap(ErrNoBackendAvailable, errors.Join(errs...))
}

// LoadClassifier loads a tree-ensemble graph on the portable path.
// Tree ensembles gain nothing from GPU execution, so there is no accelerated variant.
func LoadClassifier(rt Runtime, store artifacts.Store, name string) (ProbabilityScorer, error) {
	if !rt.Capability().CanRunPortable() {
		c := rt.Capability()
		return nil, wrap(ErrBackendUnavailable, fmt.Errorf("host capability is %s: %s", c.Capability, c.Reason))
	}
	return loadWith(store, name, rt.LoadPortableClassifier)
}

func loadWith[T any](store artifacts.Store, name string, load func(string, []byte) (T, error)) (T, error) {
	var zero T
	graph, err := store.ReadAll(name)
	if err != nil {
		return zero, wrap(ErrEngineLoad, err)
	}
	b, err := load(name, graph)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return zero, err
		}
		return zero, wrap(ErrEngineLoad, err)
	}
	return b, nil
}
