package detector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/edge-sentinel/internal/inference"
)

// Decision paths recorded in diagnostics.
const (
	PathFastExit   = "fast_exit"
	PathClassified = "classified"
)

// Infer scores one raw feature vector. A nil thresholds uses the global set.
//
// The context is only checked before work starts; once running, a call
// completes or fails. Shape and threshold problems fail the request,
// a missing anomaly scorer or classifier pair only degrades it.
func (m *HybridModel) Infer(ctx context.Context, features []float64, metadata map[string]any, thresholds *ThresholdSet) (DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return DetectionResult{}, err
	}
	if m.closed.Load() {
		return DetectionResult{}, wrap(ErrInferenceFailure, errors.New("model is closed"))
	}

	t := m.Thresholds()
	if thresholds != nil {
		if err := thresholds.Validate(); err != nil {
			return DetectionResult{}, err
		}
		t = *thresholds
	}

	x, err := m.pre.Transform(features)
	if err != nil {
		if errors.Is(err, ErrFeature) {
			return DetectionResult{}, err
		}
		return DetectionResult{}, wrap(ErrFeature, err)
	}

	classifierReady := m.classifierA != nil && m.classifierB != nil
	diag := map[string]any{
		"anomaly_available":    m.anomaly != nil,
		"classifier.available": classifierReady,
		"fusion.weights":       m.cfg.FusionWeights,
		"thresholds":           t,
		"severity.escalated":   false,
	}

	var aeScore float64
	if m.anomaly != nil {
		aeScore, err = inference.ReconstructionError(m.anomaly, x)
		if err != nil {
			return DetectionResult{}, wrap(ErrInferenceFailure, err)
		}
		diag["anomaly.backend"] = string(m.anomaly.Kind())
		diag["anomaly.score"] = aeScore

		if aeScore < t.Low {
			diag["classifier.skipped"] = true
			diag["severity.source"] = "anomaly_score"
			diag["path"] = PathFastExit
			return DetectionResult{
				PredictedLabel: m.cfg.NormalLabel,
				Score:          aeScore,
				Severity:       SeverityFor(aeScore, t),
				IsAnomalous:    false,
				Metadata:       cloneMetadata(metadata),
				Diagnostics:    diag,
			}, nil
		}
	}
	diag["path"] = PathClassified

	label, confidence := UnknownLabel, 0.0
	var fused []float64
	if classifierReady {
		a, b, err := m.classify(x)
		if err != nil {
			return DetectionResult{}, err
		}
		fused, err = Fuse(a, b, m.cfg.FusionWeights)
		if err != nil {
			return DetectionResult{}, err
		}
		if len(fused) != len(m.labels) {
			return DetectionResult{}, wrap(ErrShapeMismatch, fmt.Errorf("classifiers returned %d classes, label mapping has %d", len(fused), len(m.labels)))
		}
		if i := firstNonFinite(fused); i >= 0 {
			return DetectionResult{}, wrap(ErrInferenceFailure, fmt.Errorf("fused probability %d is not finite", i))
		}
		idx, conf := Argmax(fused)
		if idx < 0 {
			return DetectionResult{}, wrap(ErrInferenceFailure, errors.New("classifiers returned no probabilities"))
		}
		label, confidence = m.labels[idx], conf
		diag["classifier.skipped"] = false
		diag["classifier.a.probabilities"] = a
		diag["classifier.b.probabilities"] = b
		diag["classifier.confidence"] = confidence
	} else {
		diag["classifier.skipped"] = true
	}
	combined := CombinedScore(aeScore, confidence)

	var severity Severity
	if m.anomaly != nil {
		severity = SeverityFor(aeScore, t)
		diag["severity.source"] = "anomaly_score"
	} else {
		clfScore := m.classifierAnomalyScore(fused, confidence)
		severity = m.cfg.ClassifierThresholds.SeverityFor(clfScore)
		diag["severity.source"] = "classifier_score"
		diag["classifier.anomaly_score"] = clfScore
	}

	if classifierReady && m.escalator != nil && severity != SeverityHigh {
		escalated, reason, ruleErr := m.escalator.Evaluate(EscalationInput{
			Label:         label,
			Confidence:    confidence,
			AEScore:       aeScore,
			CombinedScore: combined,
			Meta:          metadata,
		})
		if ruleErr != nil {
			m.logger.Warn("Escalation rule evaluation failed", zap.Error(ruleErr))
		}
		if escalated {
			severity = SeverityHigh
			diag["severity.escalated"] = true
			diag["severity.escalation_reason"] = reason
		}
	}

	return DetectionResult{
		PredictedLabel: label,
		Score:          combined,
		Severity:       severity,
		IsAnomalous:    label != m.cfg.NormalLabel || severity != SeverityLow,
		Metadata:       cloneMetadata(metadata),
		Diagnostics:    diag,
	}, nil
}

// classify runs both classifiers, concurrently when configured.
func (m *HybridModel) classify(x []float32) ([]float32, []float32, error) {
	var a, b []float32
	runA := func() (err error) {
		a, err = m.classifierA.ClassProbabilities(x)
		if err != nil {
			return wrap(ErrInferenceFailure, fmt.Errorf("classifier A: %w", err))
		}
		return nil
	}
	runB := func() (err error) {
		b, err = m.classifierB.ClassProbabilities(x)
		if err != nil {
			return wrap(ErrInferenceFailure, fmt.Errorf("classifier B: %w", err))
		}
		return nil
	}

	if m.cfg.ParallelClassifiers {
		var g errgroup.Group
		g.Go(runA)
		g.Go(runB)
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		return a, b, nil
	}
	if err := runA(); err != nil {
		return nil, nil, err
	}
	if err := runB(); err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// classifierAnomalyScore is 1 - P(normal), or 1 - max when the normal label
// is not part of the mapping.
func (m *HybridModel) classifierAnomalyScore(fused []float64, confidence float64) float64 {
	if m.normalIndex >= 0 && m.normalIndex < len(fused) {
		return 1 - fused[m.normalIndex]
	}
	return 1 - confidence
}

func firstNonFinite(p []float64) int {
	for i, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

func cloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return maps.Clone(meta)
}
