package detector

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/artifacts"
	"github.com/raaihank/edge-sentinel/internal/inference"
)

// UnknownLabel is reported past the fast exit when no classifiers are loaded.
const UnknownLabel = "Unknown"

type scalerParams struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// HybridModel combines an anomaly scorer with two fused classifiers.
// It owns its backends and releases them in Close. Infer is safe for
// concurrent use.
type HybridModel struct {
	cfg    Config
	logger *zap.Logger

	pre         *Preprocessor
	labels      []string
	normalIndex int

	anomaly     inference.Reconstructor
	selection   inference.Selection
	classifierA inference.ProbabilityScorer
	classifierB inference.ProbabilityScorer
	escalator   *Escalator

	thresholds atomic.Pointer[ThresholdSet]
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Status reports which scorers loaded. The flags are independent because
// the model may run with classifiers only or with the anomaly scorer only.
type Status struct {
	ClassifierReady bool                `json:"classifier_ready"`
	AnomalyReady    bool                `json:"anomaly_ready"`
	AnomalyBackend  string              `json:"anomaly_backend,omitempty"`
	Selection       inference.Selection `json:"selection"`
}

// Info describes the loaded model for operators.
type Info struct {
	Labels               []string      `json:"labels"`
	NormalLabel          string        `json:"normal_label"`
	RawFeatureCount      int           `json:"raw_feature_count"`
	SelectedFeatureCount int           `json:"selected_feature_count"`
	FusionWeights        FusionWeights `json:"fusion_weights"`
	Thresholds           ThresholdSet  `json:"thresholds"`
}

// Load reads every artifact from store and constructs the model. A missing
// or malformed required artifact, or any dimension disagreement, fails with
// ErrModelLoad. The anomaly scorer is optional unless cfg.RequireAnomaly is
// set; the classifier pair is optional only when cfg.RequireClassifiers is
// false. Backends acquired before a failure are released.
func Load(cfg Config, store artifacts.Store, rt inference.Runtime, logger *zap.Logger) (_ *HybridModel, err error) {
	if err := cfg.FusionWeights.Validate(); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	if err := cfg.ClassifierThresholds.Validate(); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	escalator, err := NewEscalator(cfg.Severity.Escalation)
	if err != nil {
		return nil, wrap(ErrModelLoad, err)
	}

	var sp scalerParams
	if err := artifacts.DecodeJSON(store, artifacts.Scaler, &sp); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	var mask []bool
	if err := artifacts.DecodeJSON(store, artifacts.FeatureMask, &mask); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	var labels []string
	if err := artifacts.DecodeJSON(store, artifacts.Labels, &labels); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	if err := validateLabels(labels); err != nil {
		return nil, wrap(ErrModelLoad, err)
	}
	pre, err := NewPreprocessor(sp.Mean, sp.Scale, mask)
	if err != nil {
		return nil, err
	}

	m := &HybridModel{
		cfg:         cfg,
		logger:      logger,
		pre:         pre,
		labels:      labels,
		normalIndex: -1,
		escalator:   escalator,
	}
	for i, l := range labels {
		if l == cfg.NormalLabel {
			m.normalIndex = i
		}
	}
	if m.normalIndex < 0 {
		logger.Warn("Normal label not present in label mapping", zap.String("normal_label", cfg.NormalLabel))
	}
	t := cfg.Thresholds
	m.thresholds.Store(&t)

	defer func() {
		if err != nil {
			if cerr := m.Close(); cerr != nil {
				logger.Warn("Failed to release backends after load error", zap.Error(cerr))
			}
		}
	}()

	if err := m.loadClassifiers(rt, store); err != nil {
		return nil, err
	}
	if err := m.loadAnomaly(rt, store); err != nil {
		return nil, err
	}
	if m.anomaly == nil && m.classifierA == nil {
		return nil, wrap(ErrModelLoad, errors.New("neither the anomaly scorer nor the classifiers could be loaded"))
	}

	logger.Info("Hybrid model loaded",
		zap.Int("raw_features", pre.RawFeatureCount()),
		zap.Int("selected_features", pre.SelectedCount()),
		zap.Strings("labels", labels),
		zap.Bool("anomaly_ready", m.anomaly != nil),
		zap.Bool("classifier_ready", m.classifierA != nil),
		zap.Bool("escalation", escalator != nil))
	return m, nil
}

func validateLabels(labels []string) error {
	if len(labels) == 0 {
		return errors.New("label mapping is empty")
	}
	seen := make(map[string]int, len(labels))
	for i, l := range labels {
		if l == "" {
			return fmt.Errorf("label %d is empty", i)
		}
		if j, dup := seen[l]; dup {
			return fmt.Errorf("label %q appears at index %d and %d", l, j, i)
		}
		seen[l] = i
	}
	return nil
}

func (m *HybridModel) loadClassifiers(rt inference.Runtime, store artifacts.Store) error {
	a, errA := inference.LoadClassifier(rt, store, artifacts.ClassifierA)
	b, errB := inference.LoadClassifier(rt, store, artifacts.ClassifierB)
	if errA != nil || errB != nil {
		for _, c := range []inference.ProbabilityScorer{a, b} {
			if c != nil {
				c.Close()
			}
		}
		loadErr := errors.Join(errA, errB)
		if m.cfg.RequireClassifiers {
			return wrap(ErrModelLoad, loadErr)
		}
		m.logger.Warn("Classifiers unavailable, running anomaly-only", zap.Error(loadErr))
		return nil
	}
	m.classifierA, m.classifierB = a, b

	for _, c := range []struct {
		name   string
		scorer inference.ProbabilityScorer
	}{{artifacts.ClassifierA, a}, {artifacts.ClassifierB, b}} {
		if err := m.checkInputDim(c.name, c.scorer); err != nil {
			return err
		}
		if n := c.scorer.NumClasses(); n > 0 && n != len(m.labels) {
			return wrap(ErrModelLoad, wrap(ErrShapeMismatch, fmt.Errorf("%s declares %d classes, label mapping has %d", c.name, n, len(m.labels))))
		}
	}
	return nil
}

func (m *HybridModel) loadAnomaly(rt inference.Runtime, store artifacts.Store) error {
	r, sel, err := inference.SelectReconstructor(rt, store, inference.SelectOptions{
		AcceleratedArtifact: artifacts.AnomalyAccelerated,
		PortableArtifact:    artifacts.AnomalyPortable,
		ForcePortable:       m.cfg.Runtime.ForcePortable,
	}, m.logger)
	m.selection = sel
	if err != nil {
		if m.cfg.RequireAnomaly {
			return wrap(ErrModelLoad, err)
		}
		m.logger.Warn("Anomaly scorer unavailable, running classifier-only", zap.Error(err))
		return nil
	}
	m.anomaly = r
	return m.checkInputDim("anomaly scorer", r)
}

func (m *HybridModel) checkInputDim(name string, b inference.Backend) error {
	if d := b.InputDim(); d != m.pre.SelectedCount() {
		return wrap(ErrModelLoad, fmt.Errorf("%s expects %d inputs, feature mask selects %d", name, d, m.pre.SelectedCount()))
	}
	return nil
}

// Thresholds returns the global threshold set.
func (m *HybridModel) Thresholds() ThresholdSet {
	return *m.thresholds.Load()
}

// SetThresholds replaces the global threshold set. Model artifacts are
// never reloaded.
func (m *HybridModel) SetThresholds(t ThresholdSet) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.thresholds.Store(&t)
	m.logger.Info("Global thresholds updated",
		zap.Float64("low", t.Low), zap.Float64("medium", t.Medium), zap.Float64("high", t.High))
	return nil
}

// Status reports scorer readiness.
func (m *HybridModel) Status() Status {
	s := Status{
		ClassifierReady: m.classifierA != nil && m.classifierB != nil,
		AnomalyReady:    m.anomaly != nil,
		Selection:       m.selection,
	}
	if m.anomaly != nil {
		s.AnomalyBackend = string(m.anomaly.Kind())
	}
	return s
}

// Info describes the loaded model.
func (m *HybridModel) Info() Info {
	return Info{
		Labels:               append([]string(nil), m.labels...),
		NormalLabel:          m.cfg.NormalLabel,
		RawFeatureCount:      m.pre.RawFeatureCount(),
		SelectedFeatureCount: m.pre.SelectedCount(),
		FusionWeights:        m.cfg.FusionWeights,
		Thresholds:           m.Thresholds(),
	}
}

// RawFeatureCount is the feature vector length Infer expects.
func (m *HybridModel) RawFeatureCount() int {
	return m.pre.RawFeatureCount()
}

// Close releases every backend. It is safe to call more than once.
func (m *HybridModel) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		var errs []error
		for _, b := range []inference.Backend{m.anomaly, m.classifierA, m.classifierB} {
			if b == nil {
				continue
			}
			if err := b.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
