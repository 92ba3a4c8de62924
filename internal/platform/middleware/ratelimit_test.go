package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"
)

func limitedHandler(cfg RateLimitConfig) (*echo.Echo, echo.HandlerFunc) {
	e := echo.New()
	h := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e, h
}

func limitedRequest(e *echo.Echo, h echo.HandlerFunc, tenant string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("jwt_tenant_id", tenant)
	}
	return rec, h(c)
}

func TestRateLimit_AllowsBurst(t *testing.T) {
	e, h := limitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := limitedRequest(e, h, "")
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	e, h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := limitedRequest(e, h, ""); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i+1, err)
		}
	}

	rec, err := limitedRequest(e, h, "")
	if err == nil {
		t.Fatal("expected third request to be rejected")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}

	retryAfter, parseErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if parseErr != nil || retryAfter < 1 {
		t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
}

func TestRateLimit_TenantsGetSeparateBuckets(t *testing.T) {
	e, h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := limitedRequest(e, h, "mercy"); err != nil {
		t.Fatalf("mercy first request: %v", err)
	}
	if _, err := limitedRequest(e, h, "mercy"); err == nil {
		t.Fatal("mercy second request: expected rate limit")
	}
	// The other tenant shares the remote IP but not the bucket.
	if _, err := limitedRequest(e, h, "stjude"); err != nil {
		t.Fatalf("stjude first request: %v", err)
	}
}

func TestLimiter_RetryAfterWithZeroRate(t *testing.T) {
	lim := newLimiter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	if allowed, _ := lim.take("k"); !allowed {
		t.Fatal("expected the single burst token")
	}
	allowed, retryAfter := lim.take("k")
	if allowed {
		t.Fatal("expected empty bucket to reject")
	}
	if retryAfter != 1 {
		t.Errorf("expected retryAfter 1 with zero refill rate, got %d", retryAfter)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
