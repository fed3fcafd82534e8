package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"threatlens/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func get(h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeyHashes = []string{string(hash)}

	h := WithMiddleware(okHandler(), cfg, discardLogger())

	t.Run("missing key", func(t *testing.T) {
		rec := get(h, "/v1/alerts", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		rec := get(h, "/v1/alerts", map[string]string{"X-API-Key": "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid key", func(t *testing.T) {
		rec := get(h, "/v1/alerts", map[string]string{"X-API-Key": "s3cret-key"})
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("health is open", func(t *testing.T) {
		rec := get(h, "/healthz", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("metrics is open", func(t *testing.T) {
		rec := get(h, "/metrics", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerIP = 2
	cfg.RateLimit.BurstSize = 0
	cfg.RateLimit.WindowSize = time.Minute

	h := WithMiddleware(okHandler(), cfg, discardLogger())

	for i := 0; i < 2; i++ {
		rec := get(h, "/v1/alerts", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := get(h, "/v1/alerts", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	t.Run("exempt path passes", func(t *testing.T) {
		rec := get(h, "/healthz", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		RequestsPerIP: 1,
		BurstSize:     0,
		WindowSize:    20 * time.Millisecond,
		CleanupPeriod: time.Minute,
	})
	defer rl.Stop()

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("second request should be limited")
	}

	time.Sleep(30 * time.Millisecond)

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Error("request after window reset should be allowed")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := WithMiddleware(panicking, config.DefaultConfig(), discardLogger())

	rec := get(h, "/v1/alerts", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := getClientIP(req, false); ip != "192.0.2.1" {
		t.Errorf("untrusted proxy ip = %s, want 192.0.2.1", ip)
	}
	if ip := getClientIP(req, true); ip != "203.0.113.9" {
		t.Errorf("trusted proxy ip = %s, want 203.0.113.9", ip)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := WithMiddleware(ok, config.DefaultConfig(), discardLogger())

	rec := get(h, "/v1/alerts", nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}
