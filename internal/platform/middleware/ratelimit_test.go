package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
)

func rateLimitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func requestAs(e *echo.Echo, userID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/teleconsult/sessions/x/join", nil)
	if userID != "" {
		req = req.WithContext(auth.WithCaller(req.Context(), auth.Caller{ID: userID}))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		c, rec := requestAs(e, "patient-a")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		c, _ := requestAs(e, "patient-a")
		if err := h(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	c, rec := requestAs(e, "patient-a")
	err := h(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_SeparateBucketsPerUser(t *testing.T) {
	e := echo.New()
	h := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	c, _ := requestAs(e, "patient-a")
	if err := h(c); err != nil {
		t.Fatalf("patient-a first request: %v", err)
	}
	c, _ = requestAs(e, "patient-a")
	if err := h(c); err == nil {
		t.Fatal("expected patient-a to be limited")
	}
	c, _ = requestAs(e, "doctor-b")
	if err := h(c); err != nil {
		t.Fatalf("doctor-b must not share patient-a's bucket: %v", err)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	c, _ := requestAs(e, "doctor-b")
	if got := rateLimitKey(c); got != "user:doctor-b" {
		t.Errorf("expected user key, got %q", got)
	}
	c, _ = requestAs(e, "")
	if got := rateLimitKey(c); got != "ip:"+c.RealIP() {
		t.Errorf("expected ip key, got %q", got)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTokenBucket(2, 1, start)

	if ok, _ := b.take(start); !ok {
		t.Fatal("expected first token")
	}
	if ok, retry := b.take(start); ok || retry != 1 {
		t.Fatalf("expected empty bucket with retry 1, got ok=%v retry=%d", ok, retry)
	}
	if ok, _ := b.take(start.Add(600 * time.Millisecond)); !ok {
		t.Fatal("expected refill after 600ms at 2 tokens/s")
	}
}

func TestRateLimiterStore_EvictsIdleBuckets(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	s.lastSweep = start

	s.bucket("user:a", start)
	s.bucket("user:b", start.Add(2*time.Minute))

	if _, ok := s.buckets["user:a"]; ok {
		t.Error("expected idle bucket to be evicted")
	}
	if _, ok := s.buckets["user:b"]; !ok {
		t.Error("expected fresh bucket to remain")
	}
}
