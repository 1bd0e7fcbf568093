package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	h := adminAuth(okHandler(), loadAuthConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/characters", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdminAuthBasic(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "op")
	t.Setenv("ADMIN_PASSWORD", "op-secret")
	t.Setenv("ADMIN_TOKEN", "")
	h := adminAuth(okHandler(), loadAuthConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync/characters", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	req := httptest.NewRequest(http.MethodGet, "/sync/characters", nil)
	req.SetBasicAuth("op", "op-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sync/characters", nil)
	req.SetBasicAuth("op", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", rec.Code)
	}
}

func TestAdminAuthToken(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "tok-42")
	h := adminAuth(okHandler(), loadAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/sync/characters", nil)
	req.Header.Set("X-Admin-Token", "tok-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sync/characters", nil)
	req.Header.Set("X-Admin-Token", "nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", rec.Code)
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute}
	limiter := newIPRateLimiter(ctx, cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/sync/characters", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sync/characters", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over-limit status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// A different client is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/sync/characters", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d", rec.Code)
	}
}

func TestRateLimiterHonorsForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute}
	limiter := newIPRateLimiter(ctx, cfg)
	h := rateLimitMiddleware(okHandler(), limiter)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/sync/characters", nil)
		req.RemoteAddr = "127.0.0.1:999"
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("request %d status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestCORSPermissiveMode(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("CORS_PERMISSIVE", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	h := withCORSConfig(okHandler(), loadCORSConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/config", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}

func TestCORSRestrictedMode(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CORS_PERMISSIVE", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://portal.example.com,*.example.org")
	h := withCORSConfig(okHandler(), loadCORSConfig())

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://portal.example.com" {
		t.Errorf("allowed origin header = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	req.Header.Set("Origin", "https://app.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.org" {
		t.Error("wildcard subdomain origin rejected")
	}
}
