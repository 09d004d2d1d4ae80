package security

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	t.Run("BurstThenLimited", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 3})
		now := time.Unix(1000, 0)
		rl.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"), "request %d", i)
		}
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"), "clients are independent")

		now = now.Add(time.Second)
		assert.True(t, rl.Allow("10.0.0.1"), "one token refills per second at 60/min")
		assert.False(t, rl.Allow("10.0.0.1"))
	})

	t.Run("Disabled", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerMin: 1, Burst: 1})
		for i := 0; i < 10; i++ {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
		assert.Equal(t, 0, rl.Clients())
	})

	t.Run("Cleanup", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerMin: 60, IdleTTL: time.Minute})
		now := time.Unix(1000, 0)
		rl.now = func() time.Time { return now }

		rl.Allow("old")
		now = now.Add(50 * time.Second)
		rl.Allow("fresh")
		now = now.Add(20 * time.Second)

		assert.Equal(t, 1, rl.CleanupOldBuckets())
		assert.Equal(t, 1, rl.Clients())
	})

	t.Run("RetryAfter", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerMin: 120})
		assert.Equal(t, 500*time.Millisecond, rl.RetryAfter())
	})

	t.Run("Exempt", func(t *testing.T) {
		rl := NewRateLimiter(DefaultRateLimitConfig())
		assert.True(t, rl.Exempt("/health"))
		assert.False(t, rl.Exempt("/fhir/notify"))
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "192.0.2.10", ClientIP(req, false))
	assert.Equal(t, "203.0.113.7", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(req, true))
}
