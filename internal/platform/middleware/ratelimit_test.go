package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func doRequest(e *echo.Echo, h echo.HandlerFunc, ip, tenant string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/insurees", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("jwt_tenant_id", tenant)
	}
	return rec, h(c)
}

func TestRateLimit_AllowsBurstThenRejects(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})(okHandler)

	for i := 0; i < 3; i++ {
		if _, err := doRequest(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	rec, err := doRequest(e, h, "10.0.0.1", "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := doRequest(e, h, "10.0.0.1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := doRequest(e, h, "10.0.0.2", ""); err != nil {
		t.Errorf("different IP should have its own bucket: %v", err)
	}
	if _, err := doRequest(e, h, "10.0.0.1", "other"); err != nil {
		t.Errorf("different tenant should have its own bucket: %v", err)
	}
	if _, err := doRequest(e, h, "10.0.0.1", ""); err == nil {
		t.Error("expected same key to be limited")
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	start := time.Now()
	s.get("a", start)
	s.get("b", start.Add(30*time.Second))

	s.get("c", start.Add(2*time.Minute))

	if _, ok := s.clients["a"]; ok {
		t.Error("expected idle client a to be evicted")
	}
	if _, ok := s.clients["c"]; !ok {
		t.Error("expected client c to be present")
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Errorf("expected positive defaults, got %+v", cfg)
	}
}
