package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig sets the sustained rate and the burst ceiling per key.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// bucket refills continuously from elapsed wall time up to the burst ceiling.
type bucket struct {
	tokens float64
	last   time.Time
}

// limiter holds one bucket per key. Keys are tenant-qualified client IPs, so
// a noisy tenant cannot consume another tenant's budget.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// take consumes one token for key. When the bucket is empty it reports the
// whole seconds until a token becomes available, for the Retry-After header.
func (l *limiter) take(key string) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.cfg.RequestsPerSecond
	if ceiling := float64(l.cfg.BurstSize); b.tokens > ceiling {
		b.tokens = ceiling
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.cfg.RequestsPerSecond <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/l.cfg.RequestsPerSecond) + 1
}

// RateLimit rejects requests over the configured rate with 429.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	lim := newLimiter(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tid, ok := c.Get("jwt_tenant_id").(string); ok {
				key = tid + ":" + key
			}

			allowed, retryAfter := lim.take(key)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
