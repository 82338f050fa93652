package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"monidesk/internal/config"

	"github.com/gin-gonic/gin"
)

func newRateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(cfg))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	return r
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = false

	r := newRateLimitedRouter(cfg)
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_BlocksAfterBurst(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 60
	cfg.Security.RateLimiting.Burst = 3

	r := newRateLimitedRouter(cfg)
	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	for i := 0; i < 3; i++ {
		if codes[i] != http.StatusOK {
			t.Errorf("request %d: code = %d, want 200", i, codes[i])
		}
	}
	if codes[4] != http.StatusTooManyRequests {
		t.Errorf("request 4: code = %d, want 429", codes[4])
	}
}

func TestRateLimitMiddleware_PerIPBuckets(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = true
	cfg.Security.RateLimiting.RequestsPerMinute = 60
	cfg.Security.RateLimiting.Burst = 1

	r := newRateLimitedRouter(cfg)

	// Exhaust the bucket for the first address.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: code = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request same IP: code = %d, want 429", w.Code)
	}

	// A different address still has tokens.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("request from other IP: code = %d, want 200", w.Code)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := newBucket(6000, 1) // 100 tokens/sec
	if !b.allow() {
		t.Fatal("first token should be available")
	}
	if b.allow() {
		t.Fatal("bucket should be empty after burst")
	}
	// Simulate elapsed time instead of sleeping.
	b.mu.Lock()
	b.lastRefill = b.lastRefill.Add(-time.Second)
	b.mu.Unlock()
	if !b.allow() {
		t.Fatal("bucket should refill after elapsed time")
	}
}
