// Package features turns FHIR AuditEvent JSON into the fixed-length numeric
// vector the detector consumes.
package features

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// DefaultFeatureCount is used when the model does not report its width.
	DefaultFeatureCount = 25
	hashBuckets         = 10000
)

// Result is an extracted vector with the event fields worth keeping as metadata.
type Result struct {
	Features []float64
	Metadata map[string]any
}

// Extractor maps AuditEvents to vectors of a fixed width.
type Extractor struct {
	featureCount int
}

// NewExtractor creates an extractor that pads or truncates to featureCount.
func NewExtractor(featureCount int) *Extractor {
	if featureCount <= 0 {
		featureCount = DefaultFeatureCount
	}
	return &Extractor{featureCount: featureCount}
}

// FeatureCount is the output vector length.
func (e *Extractor) FeatureCount() int {
	return e.featureCount
}

// ExtractJSON decodes a JSON object and extracts it.
func (e *Extractor) ExtractJSON(data []byte) (Result, error) {
	var event map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&event); err != nil {
		return Result{}, fmt.Errorf("invalid audit event: %w", err)
	}
	if event == nil {
		return Result{}, errors.New("invalid audit event: expected a JSON object")
	}
	return e.extract(event, data)
}

// Extract maps a decoded AuditEvent.
func (e *Extractor) Extract(event map[string]any) (Result, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return Result{}, fmt.Errorf("invalid audit event: %w", err)
	}
	return e.extract(event, raw)
}

func (e *Extractor) extract(event map[string]any, raw []byte) (Result, error) {
	resourceType := stringField(event, "resourceType", "Unknown")
	action := stringField(event, "action", "None")
	outcome := stringField(event, "outcome", "0")

	typeCode := "0"
	if evt, ok := event["event"].(map[string]any); ok {
		if typ, ok := evt["type"].(map[string]any); ok {
			typeCode = stringField(typ, "code", "0")
		}
	}

	agents, _ := event["agent"].([]any)
	user, ip := "unknown", "0.0.0.0"
	if len(agents) > 0 {
		if first, ok := agents[0].(map[string]any); ok {
			user = stringField(first, "userId", user)
			if network, ok := first["network"].(map[string]any); ok {
				ip = stringField(network, "address", ip)
			}
		}
	}

	var failed float64
	if bytes.Contains(bytes.ToLower(raw), []byte("fail")) {
		failed = 1
	}

	core := []float64{
		HashString(resourceType),
		HashString(action),
		HashString(typeCode),
		numericOutcome(outcome),
		HashString(user),
		HashString(ip),
		float64(len(agents)),
		failed,
	}
	vec := make([]float64, e.featureCount)
	copy(vec, core)

	return Result{
		Features: vec,
		Metadata: map[string]any{
			"resourceType": resourceType,
			"action":       action,
			"outcome":      outcome,
			"user":         user,
			"ip":           ip,
			"feature_len":  e.featureCount,
		},
	}, nil
}

// HashString buckets s as sha1(s) mod 10000.
func HashString(s string) float64 {
	sum := sha1.Sum([]byte(s))
	n := new(big.Int).SetBytes(sum[:])
	return float64(n.Mod(n, big.NewInt(hashBuckets)).Int64())
}

// numericOutcome parses unsigned decimals such as "4" or "0.5"; anything
// else scores 0.
func numericOutcome(s string) float64 {
	if !looksNumeric(s) {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func looksNumeric(s string) bool {
	digits := strings.Replace(s, ".", "", 1)
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stringField(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
