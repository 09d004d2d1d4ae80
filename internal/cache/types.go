package cache

import (
	"time"

	"github.com/raaihank/edge-sentinel/internal/detector"
)

// CachedResult is a detection result stored without per-request metadata.
type CachedResult struct {
	Result   detector.DetectionResult `json:"result"`
	CachedAt time.Time                `json:"cached_at"`
	TTL      int64                    `json:"ttl"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	// Precision is the number of decimals features are rounded to before hashing.
	Precision int           `yaml:"precision" mapstructure:"precision"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	// KeyMetadata adds request metadata to the key. Needed whenever severity
	// can depend on metadata, as with escalation rules.
	KeyMetadata bool `yaml:"-" mapstructure:"-"`
}

// DefaultConfig points at a local Redis and is disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		RedisURL:       "redis://localhost:6379/0",
		MaxConnections: 10,
		MinIdleConns:   2,
		DefaultTTL:     10 * time.Minute,
		KeyPrefix:      "edge-sentinel",
		Precision:      6,
		Timeout:        50 * time.Millisecond,
	}
}
