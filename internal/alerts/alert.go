// Package alerts records anomalous detections: a rotating JSONL log, an
// optional SQL store and live subscribers.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/privacy"
)

// Alert is one recorded anomalous detection.
type Alert struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"ts"`
	RequestID  string         `json:"request_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Label      string         `json:"pred"`
	Severity   string         `json:"sev"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	MSE        float64        `json:"mse"`
	Meta       map[string]any `json:"meta"`
}

// NewAlert builds an alert from a detection result. Confidence and MSE are
// read from the result diagnostics and stay zero when that stage did not run.
func NewAlert(res detector.DetectionResult, requestID, source string, at time.Time) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		RequestID: requestID,
		Source:    source,
		Label:     res.PredictedLabel,
		Severity:  string(res.Severity),
		Score:     res.Score,
		Meta:      res.Metadata,
	}
	if v, ok := res.Diagnostics["classifier.confidence"].(float64); ok {
		a.Confidence = v
	}
	if v, ok := res.Diagnostics["anomaly.score"].(float64); ok {
		a.MSE = v
	}
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	return a
}

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, a Alert) error
	Close() error
}

// Config controls which detections become alerts and where the log goes.
type Config struct {
	Enabled     bool           `yaml:"enabled" mapstructure:"enabled"`
	MinSeverity string         `yaml:"min_severity" mapstructure:"min_severity"`
	File        FileConfig     `yaml:"file" mapstructure:"file"`
	Masking     privacy.Config `yaml:"masking" mapstructure:"masking"`
}

// FileConfig is the rotating JSONL alert log.
type FileConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"` // megabytes
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"` // days
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// StoreConfig is the SQL alert store.
type StoreConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig records every anomalous result to ./logs/alerts.jsonl.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		MinSeverity: string(detector.SeverityLow),
		File: FileConfig{
			Enabled:    true,
			Path:       "./logs/alerts.jsonl",
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Masking: privacy.DefaultConfig(),
	}
}

// DefaultStoreConfig is a local SQLite file, disabled until asked for.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Enabled:         false,
		Driver:          DriverSQLite,
		DSN:             "./data/alerts.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}
