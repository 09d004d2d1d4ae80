package detector

import (
	"fmt"
	"math"
	"strings"

	"github.com/raaihank/edge-sentinel/internal/inference"
)

// Severity is a coarse ranking of how alarming a detection is.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Rank orders severities: LOW < MEDIUM < HIGH.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts LOW, MEDIUM or HIGH in any case. Empty means LOW.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case "", SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ThresholdSet holds the anomaly score boundaries. Low gates the fast exit;
// Medium and High are severity boundaries.
type ThresholdSet struct {
	Low    float64 `json:"low" yaml:"low" mapstructure:"low"`
	Medium float64 `json:"medium" yaml:"medium" mapstructure:"medium"`
	High   float64 `json:"high" yaml:"high" mapstructure:"high"`
}

// DefaultThresholds returns {0.01, 0.05, 0.10}.
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{Low: 0.01, Medium: 0.05, High: 0.10}
}

// Validate checks 0 <= Low <= Medium <= High with finite values.
func (t ThresholdSet) Validate() error {
	names := [3]string{"low", "medium", "high"}
	for i, v := range [3]float64{t.Low, t.Medium, t.High} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return wrap(ErrInvalidThresholds, fmt.Errorf("%s must be a finite non-negative number, got %v", names[i], v))
		}
	}
	if t.Low > t.Medium || t.Medium > t.High {
		return wrap(ErrInvalidThresholds, fmt.Errorf("want low <= medium <= high, got %v/%v/%v", t.Low, t.Medium, t.High))
	}
	return nil
}

// ClassifierThresholds grade the classifier anomaly score (1 - P(normal))
// when no anomaly scorer is loaded.
type ClassifierThresholds struct {
	Medium float64 `json:"medium" yaml:"medium" mapstructure:"medium"`
	High   float64 `json:"high" yaml:"high" mapstructure:"high"`
}

// DetectionResult is the outcome of one inference call.
type DetectionResult struct {
	PredictedLabel string         `json:"pred"`
	Score          float64        `json:"score"`
	Severity       Severity       `json:"sev"`
	IsAnomalous    bool           `json:"anom"`
	Metadata       map[string]any `json:"meta"`
	Diagnostics    map[string]any `json:"diagnostics"`
}

// FusionWeights are the linear fusion coefficients for classifiers A and B.
type FusionWeights struct {
	A float64 `json:"a" yaml:"a" mapstructure:"a"`
	B float64 `json:"b" yaml:"b" mapstructure:"b"`
}

// EscalationConfig enables the attack-label override. Disabled by default.
type EscalationConfig struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	AttackLabels  []string `yaml:"attack_labels" mapstructure:"attack_labels"`
	MinConfidence float64  `yaml:"min_confidence" mapstructure:"min_confidence"`
	// Rules are CEL expressions over label, confidence, ae_score,
	// combined_score and meta. Any rule evaluating to true escalates.
	Rules []string `yaml:"rules" mapstructure:"rules"`
}

// SeverityConfig groups the severity policy knobs.
type SeverityConfig struct {
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
}

// Config contains hybrid model configuration
type Config struct {
	ArtifactDir          string                  `yaml:"artifact_dir" mapstructure:"artifact_dir"`
	Artifacts            map[string]string       `yaml:"artifacts" mapstructure:"artifacts"`
	NormalLabel          string                  `yaml:"normal_label" mapstructure:"normal_label"`
	FusionWeights        FusionWeights           `yaml:"fusion_weights" mapstructure:"fusion_weights"`
	Thresholds           ThresholdSet            `yaml:"thresholds" mapstructure:"thresholds"`
	ClassifierThresholds ClassifierThresholds    `yaml:"classifier_thresholds" mapstructure:"classifier_thresholds"`
	RequireClassifiers   bool                    `yaml:"require_classifiers" mapstructure:"require_classifiers"`
	RequireAnomaly       bool                    `yaml:"require_anomaly" mapstructure:"require_anomaly"`
	ParallelClassifiers  bool                    `yaml:"parallel_classifiers" mapstructure:"parallel_classifiers"`
	Severity             SeverityConfig          `yaml:"severity" mapstructure:"severity"`
	Runtime              inference.RuntimeConfig `yaml:"runtime" mapstructure:"runtime"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		ArtifactDir:          "./models",
		Artifacts:            map[string]string{},
		NormalLabel:          "Normal",
		FusionWeights:        FusionWeights{A: 0.5, B: 0.5},
		Thresholds:           DefaultThresholds(),
		ClassifierThresholds: ClassifierThresholds{Medium: 0.85, High: 0.95},
		RequireClassifiers:   true,
		Severity: SeverityConfig{
			Escalation: EscalationConfig{
				AttackLabels:  []string{"DDoS", "ScanPort", "Infiltration", "Malware"},
				MinConfidence: 0.7,
			},
		},
	}
}
