// Package security holds request guards for the HTTP service.
package security

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int           `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int           `yaml:"burst" mapstructure:"burst"`
	IdleTTL        time.Duration `yaml:"idle_ttl" mapstructure:"idle_ttl"`
	TrustProxy     bool          `yaml:"trust_proxy" mapstructure:"trust_proxy"`
	ExemptPaths    []string      `yaml:"exempt_paths" mapstructure:"exempt_paths"`
}

// DefaultRateLimitConfig allows 600 requests per minute per client.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:        true,
		RequestsPerMin: 600,
		Burst:          100,
		IdleTTL:        time.Hour,
		ExemptPaths:    []string{"/health", "/metrics"},
	}
}

// RateLimiter implements token bucket rate limiting for DoS protection
type RateLimiter struct {
	config  RateLimitConfig
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	mu      sync.Mutex
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMin
	}
	if burst <= 0 {
		burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	return &RateLimiter{
		config:  cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMin) / 60.0),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(clientIP string) bool {
	if !r.config.Enabled {
		return true
	}
	now := r.now()
	return r.getLimiter(clientIP, now).AllowN(now, 1)
}

// Exempt reports whether path bypasses rate limiting.
func (r *RateLimiter) Exempt(path string) bool {
	for _, p := range r.config.ExemptPaths {
		if p == path {
			return true
		}
	}
	return false
}

// RetryAfter is how long a limited client should wait for one token.
func (r *RateLimiter) RetryAfter() time.Duration {
	if r.limit <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(r.limit))
}

// Clients returns the number of tracked clients.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *RateLimiter) getLimiter(clientIP string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[clientIP] = c
	}
	c.lastSeen = now
	return c.limiter
}

// CleanupOldBuckets removes clients idle for longer than IdleTTL and
// returns how many were dropped.
func (r *RateLimiter) CleanupOldBuckets() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.config.IdleTTL)
	removed := 0
	for ip, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine sweeps idle clients until ctx is done.
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.config.IdleTTL / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupOldBuckets()
			}
		}
	}()
}

// ClientIP identifies the caller. Forwarding headers are only honoured when
// trustProxy is set.
func ClientIP(req *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := req.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// TrustProxy reports whether forwarding headers identify the client.
func (r *RateLimiter) TrustProxy() bool {
	return r.config.TrustProxy
}
