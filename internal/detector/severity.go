package detector

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// SeverityFor grades an anomaly score against the three-tier thresholds.
func SeverityFor(score float64, t ThresholdSet) Severity {
	switch {
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityFor grades a classifier anomaly score.
func (c ClassifierThresholds) SeverityFor(score float64) Severity {
	switch {
	case score >= c.High:
		return SeverityHigh
	case score >= c.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Validate requires 0 <= Medium <= High.
func (c ClassifierThresholds) Validate() error {
	if c.Medium < 0 || c.Medium > c.High {
		return fmt.Errorf("classifier thresholds want 0 <= medium <= high, got %v/%v", c.Medium, c.High)
	}
	return nil
}

// EscalationInput is the view of a classified request that escalation rules see.
type EscalationInput struct {
	Label         string
	Confidence    float64
	AEScore       float64
	CombinedScore float64
	Meta          map[string]any
}

type escalationRule struct {
	expr string
	prg  cel.Program
}

// Escalator forces HIGH severity for confident attack predictions and for
// requests matching any configured CEL rule.
type Escalator struct {
	attackLabels  map[string]struct{}
	minConfidence float64
	rules         []escalationRule
}

// NewEscalator compiles the escalation policy. It returns nil when
// escalation is disabled.
func NewEscalator(cfg EscalationConfig) (*Escalator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	e := &Escalator{
		attackLabels:  make(map[string]struct{}, len(cfg.AttackLabels)),
		minConfidence: cfg.MinConfidence,
	}
	for _, l := range cfg.AttackLabels {
		e.attackLabels[l] = struct{}{}
	}
	if len(cfg.Rules) == 0 {
		return e, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("label", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("ae_score", cel.DoubleType),
		cel.Variable("combined_score", cel.DoubleType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	for _, expr := range cfg.Rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must return bool, returns %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", expr, err)
		}
		e.rules = append(e.rules, escalationRule{expr: expr, prg: prg})
	}
	return e, nil
}

// Evaluate reports whether the request escalates and which rule fired.
// A rule that fails to evaluate counts as not matching; its error is returned
// alongside the decision.
func (e *Escalator) Evaluate(in EscalationInput) (bool, string, error) {
	if e == nil {
		return false, "", nil
	}
	if _, ok := e.attackLabels[in.Label]; ok && in.Confidence > e.minConfidence {
		return true, "attack_label", nil
	}
	if len(e.rules) == 0 {
		return false, "", nil
	}

	meta := in.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	vars := map[string]any{
		"label":          in.Label,
		"confidence":     in.Confidence,
		"ae_score":       in.AEScore,
		"combined_score": in.CombinedScore,
		"meta":           meta,
	}
	var errs []error
	for _, r := range e.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.expr, err))
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return true, "rule:" + r.expr, errors.Join(errs...)
		}
	}
	return false, "", errors.Join(errs...)
}
