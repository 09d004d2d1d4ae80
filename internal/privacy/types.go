package privacy

import "regexp"

// Config controls masking of alert metadata before it leaves the process.
type Config struct {
	Enabled   bool     `yaml:"enabled" mapstructure:"enabled"`
	Detectors []string `yaml:"detectors" mapstructure:"detectors"`
	// Fields are metadata keys whose values are always replaced, whatever they contain.
	Fields []string `yaml:"fields" mapstructure:"fields"`
	Format string   `yaml:"format" mapstructure:"format"`
}

// DefaultConfig masks the requesting user and common PII patterns.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Detectors: []string{"email", "ssn", "credit_card", "phone"},
		Fields:    []string{"user"},
		Format:    "[MASKED_{{TYPE}}]",
	}
}

// DetectionRule represents a single PII detection rule
type DetectionRule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Finding represents a detection result
type Finding struct {
	EntityType string `json:"entityType"`
	Masked     string `json:"masked"`
	Count      int    `json:"count"`
}

// ProcessResult contains the result of processing text through the detector
type ProcessResult struct {
	MaskedText string    `json:"maskedText"`
	Findings   []Finding `json:"findings"`
	Original   string    `json:"-"` // Never serialize original text
}
