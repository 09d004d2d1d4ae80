// Package replay scores recorded audit events or feature rows in bulk.
package replay

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/edge-sentinel/internal/detector"
)

// Record is one scorable input row.
type Record struct {
	ID       string
	Features []float64
	Metadata map[string]any
	// Expected is the ground-truth label when the input carries one.
	Expected string
}

// ParquetRow is the Parquet input schema.
type ParquetRow struct {
	ID       string    `parquet:"id,optional"`
	Label    string    `parquet:"label,optional"`
	Features []float64 `parquet:"features,list"`
}

// Result summarizes a replay run.
type Result struct {
	TotalRecords  int64            `json:"total_records"`
	Scored        int64            `json:"scored"`
	Failed        int64            `json:"failed"`
	Invalid       int64            `json:"invalid"`
	Anomalous     int64            `json:"anomalous"`
	Recorded      int64            `json:"recorded"`
	Labeled       int64            `json:"labeled"`
	Matched       int64            `json:"matched"`
	BySeverity    map[string]int64 `json:"by_severity"`
	ByLabel       map[string]int64 `json:"by_label"`
	Duration      time.Duration    `json:"duration"`
	InferenceTime time.Duration    `json:"inference_time"`
	Errors        []string         `json:"errors,omitempty"`
}

// Accuracy is Matched/Labeled, or 0 when no row carried a label.
func (r *Result) Accuracy() float64 {
	if r.Labeled == 0 {
		return 0
	}
	return float64(r.Matched) / float64(r.Labeled)
}

// Config contains replay configuration
type Config struct {
	BatchSize      int                    `yaml:"batch_size" mapstructure:"batch_size"`
	WorkerCount    int                    `yaml:"worker_count" mapstructure:"worker_count"`
	DryRun         bool                   `yaml:"dry_run" mapstructure:"dry_run"`
	ProgressReport int                    `yaml:"progress_report" mapstructure:"progress_report"`
	MaxErrors      int                    `yaml:"max_errors" mapstructure:"max_errors"`
	Thresholds     *detector.ThresholdSet `yaml:"thresholds" mapstructure:"thresholds"`
}

// DefaultConfig returns the replay defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      256,
		WorkerCount:    4,
		ProgressReport: 10000,
		MaxErrors:      50,
	}
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatJSONL   FileFormat = "jsonl"
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) (FileFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".jsonl", ".json", ".ndjson":
		return FormatJSONL, nil
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported file format %q (want .jsonl, .json, .csv or .parquet)", ext)
	}
}
