// Package privacy masks personal data in alert metadata.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Detector handles PII detection and masking
type Detector struct {
	rules   []DetectionRule
	enabled map[string]bool
	fields  map[string]struct{}
	logger  *zap.Logger
	config  Config
}

// DefaultRules returns the built-in rules in the order they are applied.
// More specific patterns run first so a card number is not half-eaten by the
// phone rule.
func DefaultRules(format string) []DetectionRule {
	if format == "" {
		format = DefaultConfig().Format
	}
	rule := func(name, pattern string) DetectionRule {
		return DetectionRule{
			Name:        name,
			Pattern:     regexp.MustCompile(pattern),
			Replacement: replacement(format, name),
		}
	}
	return []DetectionRule{
		rule("email", `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		rule("ssn", `\b\d{3}-\d{2}-\d{4}\b`),
		rule("credit_card", `\b(?:\d[ -]?){12,15}\d\b`),
		rule("phone", `(?:\+?1[-. ]?)?\(?\b\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
		rule("ipv4", `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
	}
}

func replacement(format, name string) string {
	return strings.ReplaceAll(format, "{{TYPE}}", strings.ToUpper(name))
}

// New creates a new PII detector instance
func New(cfg Config, log *zap.Logger) (*Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	detector := &Detector{
		rules:   DefaultRules(cfg.Format),
		enabled: make(map[string]bool),
		fields:  make(map[string]struct{}, len(cfg.Fields)),
		logger:  log,
		config:  cfg,
	}
	if detector.config.Format == "" {
		detector.config.Format = DefaultConfig().Format
	}

	if err := detector.configureDetectors(cfg.Detectors); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}
	for _, f := range cfg.Fields {
		detector.fields[f] = struct{}{}
	}

	log.Info("Privacy detector initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("total_rules", len(detector.rules)),
		zap.Strings("enabled_rules", detector.EnabledRules()),
		zap.Strings("masked_fields", cfg.Fields),
	)

	return detector, nil
}

// configureDetectors enables/disables detectors based on configuration
func (d *Detector) configureDetectors(detectors []string) error {
	for _, rule := range d.rules {
		d.enabled[rule.Name] = false
	}

	for _, detector := range detectors {
		if detector == "all" {
			for _, rule := range d.rules {
				d.enabled[rule.Name] = true
			}
			continue
		}
		if _, ok := d.enabled[detector]; !ok {
			return fmt.Errorf("unknown detector: %s", detector)
		}
		d.enabled[detector] = true
	}

	return nil
}

// ProcessText processes text through all enabled PII detectors
func (d *Detector) ProcessText(text string) ProcessResult {
	if !d.config.Enabled {
		return ProcessResult{MaskedText: text, Findings: []Finding{}, Original: text}
	}

	maskedText := text
	findings := make([]Finding, 0)

	for _, rule := range d.rules {
		if !d.enabled[rule.Name] {
			continue
		}
		matches := rule.Pattern.FindAllStringIndex(maskedText, -1)
		if len(matches) == 0 {
			continue
		}
		findings = append(findings, Finding{
			EntityType: rule.Name,
			Masked:     rule.Replacement,
			Count:      len(matches),
		})
		maskedText = rule.Pattern.ReplaceAllLiteralString(maskedText, rule.Replacement)
	}

	return ProcessResult{MaskedText: maskedText, Findings: findings, Original: text}
}

// MaskMetadata returns a masked deep copy of meta. Configured fields are
// replaced by a stable token so alerts about the same subject still group
// together; every other string value goes through the enabled rules.
func (d *Detector) MaskMetadata(meta map[string]any) (map[string]any, []Finding) {
	if meta == nil {
		return map[string]any{}, nil
	}
	if !d.config.Enabled {
		return copyMap(meta), nil
	}

	counts := make(map[string]*Finding)
	var order []string
	record := func(f Finding) {
		if existing, ok := counts[f.EntityType]; ok {
			existing.Count += f.Count
			return
		}
		c := f
		counts[f.EntityType] = &c
		order = append(order, f.EntityType)
	}

	out := d.maskMap(meta, record)

	findings := make([]Finding, 0, len(order))
	for _, name := range order {
		findings = append(findings, *counts[name])
	}
	if len(findings) > 0 {
		d.logger.Debug("PII masked in metadata", zap.Int("entity_types", len(findings)))
	}
	return out, findings
}

func (d *Detector) maskMap(m map[string]any, record func(Finding)) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := d.fields[k]; ok && v != nil {
			token := d.fieldToken(k, v)
			record(Finding{EntityType: "field:" + k, Masked: token, Count: 1})
			out[k] = token
			continue
		}
		out[k] = d.maskValue(v, record)
	}
	return out
}

func (d *Detector) maskValue(v any, record func(Finding)) any {
	switch t := v.(type) {
	case string:
		res := d.ProcessText(t)
		for _, f := range res.Findings {
			record(f)
		}
		return res.MaskedText
	case map[string]any:
		return d.maskMap(t, record)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = d.maskValue(e, record)
		}
		return out
	default:
		return v
	}
}

// fieldToken is the format placeholder followed by a short digest of the value.
func (d *Detector) fieldToken(field string, v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprint(v)))
	base := replacement(d.config.Format, field)
	if strings.HasSuffix(base, "]") {
		return base[:len(base)-1] + ":" + hex.EncodeToString(sum[:4]) + "]"
	}
	return base + ":" + hex.EncodeToString(sum[:4])
}

// EnabledRules returns the sorted names of enabled rules
func (d *Detector) EnabledRules() []string {
	var enabled []string
	for name, on := range d.enabled {
		if on {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)
	return enabled
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyMap(t)
		case []any:
			c := make([]any, len(t))
			copy(c, t)
			out[k] = c
		default:
			out[k] = v
		}
	}
	return out
}
