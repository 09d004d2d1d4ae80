package config

import (
	"time"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/cache"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/logger"
	"github.com/raaihank/edge-sentinel/internal/security"
	"github.com/raaihank/edge-sentinel/internal/server"
	"github.com/raaihank/edge-sentinel/internal/websocket"
)

// Config represents the main configuration structure
type Config struct {
	Server    server.Config            `yaml:"server" mapstructure:"server"`
	Logging   LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Model     detector.Config          `yaml:"model" mapstructure:"model"`
	Alerts    alerts.Config            `yaml:"alerts" mapstructure:"alerts"`
	Store     alerts.StoreConfig       `yaml:"store" mapstructure:"store"`
	Cache     cache.Config             `yaml:"cache" mapstructure:"cache"`
	WebSocket websocket.HubConfig      `yaml:"websocket" mapstructure:"websocket"`
	RateLimit security.RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Metrics   MetricsConfig            `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string            `yaml:"level" mapstructure:"level"`
	Format string            `yaml:"format" mapstructure:"format"` // json or console
	File   LoggingFileConfig `yaml:"file" mapstructure:"file"`
}

// LoggingFileConfig controls the rotating log file.
type LoggingFileConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggerConfig converts the logging section for logger.New.
func (l LoggingConfig) LoggerConfig() logger.Config {
	cfg := logger.Config{Level: l.Level, Format: l.Format}
	if l.File.Enabled {
		cfg.File = &logger.FileConfig{
			Enabled:    true,
			Path:       l.File.Path,
			MaxSize:    l.File.MaxSize,
			MaxBackups: l.File.MaxBackups,
			MaxAge:     l.File.MaxAge,
			Compress:   l.File.Compress,
		}
	}
	return cfg
}

// ServerConfig returns the server section with the metrics route applied.
func (c *Config) ServerConfig() server.Config {
	s := c.Server
	s.MetricsPath = ""
	if c.Metrics.Enabled {
		s.MetricsPath = c.Metrics.Path
	}
	return s
}

// CacheConfig returns the cache section with metadata keying turned on when
// escalation rules can read request metadata.
func (c *Config) CacheConfig() cache.Config {
	cc := c.Cache
	esc := c.Model.Severity.Escalation
	cc.KeyMetadata = esc.Enabled && len(esc.Rules) > 0
	return cc
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Server: server.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File: LoggingFileConfig{
				Enabled:    false,
				Path:       "logs/sentinel.log",
				MaxSize:    100, // MB
				MaxBackups: 5,
				MaxAge:     30, // days
				Compress:   true,
			},
		},
		Model:     detector.DefaultConfig(),
		Alerts:    alerts.DefaultConfig(),
		Store:     alerts.DefaultStoreConfig(),
		Cache:     cache.DefaultConfig(),
		WebSocket: websocket.DefaultHubConfig(),
		RateLimit: security.DefaultRateLimitConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// envKeys are bound explicitly so SENTINEL_* overrides apply even when the
// key is absent from the config file.
var envKeys = []string{
	"server.port",
	"server.inference_timeout",
	"logging.level",
	"logging.format",
	"model.artifact_dir",
	"model.normal_label",
	"model.thresholds.low",
	"model.thresholds.medium",
	"model.thresholds.high",
	"model.runtime.shared_library_path",
	"model.runtime.force_portable",
	"model.runtime.device_id",
	"alerts.enabled",
	"alerts.min_severity",
	"alerts.file.path",
	"store.enabled",
	"store.driver",
	"store.dsn",
	"cache.enabled",
	"cache.redis_url",
	"websocket.enabled",
	"websocket.username",
	"websocket.password",
	"rate_limit.enabled",
	"rate_limit.requests_per_min",
	"metrics.enabled",
}

// watchDebounce collapses the burst of events editors emit on save.
const watchDebounce = 250 * time.Millisecond
