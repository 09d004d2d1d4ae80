package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/metrics"
)

// Manager owns one viper instance so the watcher re-reads the same file
// that Load read.
type Manager struct {
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.RWMutex
	current *Config
	timer   *time.Timer
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	m, err := NewManager(configPath)
	if err != nil {
		return nil, err
	}
	return m.Config(), nil
}

// NewManager reads and validates the configuration.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/edge-sentinel/")

	// Environment variable overrides
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	m := &Manager{v: v, logger: zap.NewNop()}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.current = cfg
	return m, nil
}

func (m *Manager) decode() (*Config, error) {
	cfg := GetDefaults()
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Config returns the most recently applied configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConfigFile is the file in use, empty when running on defaults.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Watch starts watching the configuration file for changes. Invalid
// revisions are logged and ignored; the callback only sees valid ones.
func (m *Manager) Watch(logger *zap.Logger, callback func(*Config)) {
	if logger != nil {
		m.logger = logger
	}
	if m.ConfigFile() == "" {
		m.logger.Info("No config file in use, hot reload disabled")
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = time.AfterFunc(watchDebounce, func() { m.reload(e.Name, callback) })
	})
	m.v.WatchConfig()
}

func (m *Manager) reload(name string, callback func(*Config)) {
	cfg, err := m.decode()
	if err != nil {
		m.logger.Warn("Ignoring config change", zap.String("file", name), zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	m.logger.Info("Configuration reloaded", zap.String("file", name))
	callback(cfg)
}

// ThresholdSetter is the part of the model that may change at runtime.
type ThresholdSetter interface {
	Thresholds() detector.ThresholdSet
	SetThresholds(detector.ThresholdSet) error
}

// ApplyThresholds returns a Watch callback that swaps the global threshold
// set. Every other section needs a restart.
func ApplyThresholds(target ThresholdSetter, logger *zap.Logger) func(*Config) {
	return func(cfg *Config) {
		next := cfg.Model.Thresholds
		prev := target.Thresholds()
		if next == prev {
			return
		}
		if err := target.SetThresholds(next); err != nil {
			logger.Warn("Rejected threshold update", zap.Error(err))
			return
		}
		metrics.SetThresholds(next)
		logger.Info("Thresholds updated",
			zap.Float64("low", next.Low),
			zap.Float64("medium", next.Medium),
			zap.Float64("high", next.High),
		)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", config.Server.MaxBodyBytes)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Model.ArtifactDir == "" {
		return errors.New("model.artifact_dir is required")
	}
	if err := config.Model.Thresholds.Validate(); err != nil {
		return err
	}
	if err := config.Model.ClassifierThresholds.Validate(); err != nil {
		return err
	}
	if err := config.Model.FusionWeights.Validate(); err != nil {
		return err
	}
	if c := config.Model.Severity.Escalation.MinConfidence; math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("model.severity.escalation.min_confidence must be in [0,1], got %v", c)
	}

	if _, err := detector.ParseSeverity(config.Alerts.MinSeverity); err != nil {
		return fmt.Errorf("alerts.min_severity: %w", err)
	}
	if config.Alerts.File.Enabled && config.Alerts.File.Path == "" {
		return errors.New("alerts.file.path is required when the alert file is enabled")
	}

	if config.Store.Enabled {
		switch config.Store.Driver {
		case alerts.DriverPostgres, alerts.DriverSQLite, "sqlite3":
		default:
			return fmt.Errorf("invalid store driver: %s (must be postgres or sqlite)", config.Store.Driver)
		}
		if config.Store.DSN == "" {
			return errors.New("store.dsn is required when the store is enabled")
		}
	}

	if config.Cache.Enabled {
		if config.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required when the cache is enabled")
		}
		if config.Cache.Precision < 0 || config.Cache.Precision > 15 {
			return fmt.Errorf("cache.precision must be in [0,15], got %d", config.Cache.Precision)
		}
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMin <= 0 || config.RateLimit.Burst <= 0) {
		return errors.New("rate_limit.requests_per_min and rate_limit.burst must be positive")
	}

	if config.Metrics.Enabled && !strings.HasPrefix(config.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", config.Metrics.Path)
	}

	return nil
}
