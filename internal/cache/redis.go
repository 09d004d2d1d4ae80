// Package cache keeps recent detection results in Redis so repeated events
// skip inference.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/detector"
)

// ResultCache handles Redis-based caching of detection results. Lookups fail
// open: a Redis error is logged and reported as a miss.
type ResultCache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	failures atomic.Int64
}

// NewResultCache connects to Redis and verifies the connection.
func NewResultCache(config Config, logger *zap.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	rc := newResultCache(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return rc, nil
}

func newResultCache(client *redis.Client, config Config, logger *zap.Logger) *ResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.Precision <= 0 {
		config.Precision = defaults.Precision
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &ResultCache{client: client, config: config, logger: logger}
}

// Get returns the cached result for features under thresholds. On a hit the
// stored result carries the caller's metadata and a cache.hit diagnostic.
func (c *ResultCache) Get(ctx context.Context, features []float64, thresholds detector.ThresholdSet, metadata map[string]any) (detector.DetectionResult, bool) {
	if c == nil {
		return detector.DetectionResult{}, false
	}
	key := c.Key(features, thresholds, metadata)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return detector.DetectionResult{}, false
	}
	if err != nil {
		c.failures.Add(1)
		c.misses.Add(1)
		c.logger.Warn("Cache lookup failed", zap.Error(err))
		return detector.DetectionResult{}, false
	}

	var cached CachedResult
	if err := json.Unmarshal(data, &cached); err != nil {
		c.failures.Add(1)
		c.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached result", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return detector.DetectionResult{}, false
	}

	c.hits.Add(1)
	res := cached.Result
	res.Metadata = maps.Clone(metadata)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	if res.Diagnostics == nil {
		res.Diagnostics = map[string]any{}
	}
	res.Diagnostics["cache.hit"] = true
	return res, true
}

// Put stores res without its metadata under the key Get computes for the
// same request.
func (c *ResultCache) Put(ctx context.Context, features []float64, thresholds detector.ThresholdSet, metadata map[string]any, res detector.DetectionResult) error {
	if c == nil {
		return nil
	}
	key := c.Key(features, thresholds, metadata)

	res.Metadata = nil
	data, err := json.Marshal(CachedResult{
		Result:   res,
		CachedAt: time.Now(),
		TTL:      int64(c.config.DefaultTTL.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result for caching: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// GetStats returns cache performance statistics
func (c *ResultCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := c.localStats()

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}
	if keys, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

func (c *ResultCache) localStats() *CacheStats {
	stats := &CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.failures.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Clear removes every cached result under the key prefix.
func (c *ResultCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+":res:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (c *ResultCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Key hashes the features rounded to the configured precision together with
// the thresholds, so a threshold change never serves a stale severity. With
// KeyMetadata set the request metadata is part of the key as well.
func (c *ResultCache) Key(features []float64, thresholds detector.ThresholdSet, metadata map[string]any) string {
	hasher := sha256.New()
	scale := math.Pow10(c.config.Precision)
	for _, v := range features {
		q := math.Round(v*scale) / scale
		if q == 0 {
			q = 0 // fold -0
		}
		hasher.Write([]byte(strconv.FormatFloat(q, 'f', c.config.Precision, 64)))
		hasher.Write([]byte{','})
	}
	fmt.Fprintf(hasher, "|%g,%g,%g", thresholds.Low, thresholds.Medium, thresholds.High)
	if c.config.KeyMetadata && len(metadata) > 0 {
		// encoding/json sorts map keys, which makes the encoding canonical.
		meta, err := json.Marshal(metadata)
		if err != nil {
			meta = []byte(fmt.Sprint(metadata))
		}
		hasher.Write([]byte{'|'})
		hasher.Write(meta)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	return fmt.Sprintf("%s:res:%s", c.config.KeyPrefix, hash[:32])
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || (scheme >= 0 && colon <= scheme+2) {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
