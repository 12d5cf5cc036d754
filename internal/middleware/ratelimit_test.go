package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	tests := []struct {
		name        string
		limit       int
		wantAllowed []bool
	}{
		{"allows requests under limit", 5, []bool{true, true, true}},
		{"blocks requests over limit", 5, []bool{true, true, true, true, true, false}},
		{"single request limit", 1, []bool{true, false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryRateLimitStore()
			config := RateLimitConfig{RequestsPerWindow: tt.limit, WindowDuration: time.Minute}

			for i, want := range tt.wantAllowed {
				allowed, _ := store.Allow(context.Background(), "user:u1", config)
				if allowed != want {
					t.Errorf("request %d: got allowed=%v, want %v", i+1, allowed, want)
				}
			}
		})
	}
}

func TestInMemoryRateLimitStore_WindowAndRetryAfter(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Second}
	ctx := context.Background()

	if allowed, _ := store.Allow(ctx, "k", config); !allowed {
		t.Fatal("first request should be allowed")
	}

	now = now.Add(2500 * time.Millisecond)
	allowed, retryAfter := store.Allow(ctx, "k", config)
	if allowed {
		t.Fatal("second request should be blocked")
	}
	if retryAfter != 8 {
		t.Errorf("retryAfter = %d, want 8 (7.5s rounded up)", retryAfter)
	}

	if allowed, _ := store.Allow(ctx, "other", config); !allowed {
		t.Error("different keys must have independent buckets")
	}

	now = now.Add(8 * time.Second)
	if allowed, _ := store.Allow(ctx, "k", config); !allowed {
		t.Error("request after window reset should be allowed")
	}

	now = now.Add(time.Minute)
	store.Cleanup()
	if len(store.buckets) != 0 {
		t.Errorf("Cleanup left %d buckets", len(store.buckets))
	}
}

func TestInMemoryRateLimitStore_Concurrency(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Allow(context.Background(), "shared", config); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly 50", allowed)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, "192.0.2.1"},
		{"ipv6 remote addr", "[2001:db8::1]:443", nil, "2001:db8::1"},
		{"no port", "192.0.2.1", nil, "192.0.2.1"},
		{"forwarded chain", "10.0.0.1:1", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2"}, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/geofence/status", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := IPKeyFunc()(req); got != tt.want {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUserKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/geofence/location", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := UserKeyFunc()(req); got != "ip:192.0.2.1" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(SetUserID(req.Context(), "u-42"))
	if got := UserKeyFunc()(req); got != "user:u-42" {
		t.Errorf("authenticated key = %q", got)
	}
}

func TestRateLimiter_BlocksExcessiveTraffic(t *testing.T) {
	metrics := NewMetrics()
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}

	handler := RateLimiter(store, config, IPKeyFunc(), metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/geofence/location", nil)
		req.RemoteAddr = "192.0.2.9:5555"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
		if i < 2 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, last.Code)
		}
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if ra, err := strconv.Atoi(last.Header().Get("Retry-After")); err != nil || ra < 1 || ra > 60 {
		t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset header")
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("error code = %q, want rate_limited", body.Error.Code)
	}

	if got := testutil.ToFloat64(metrics.rateLimitRequests.WithLabelValues("/geofence/location", "ip")); got != 3 {
		t.Errorf("rate limit requests = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.rateLimitBlocked.WithLabelValues("/geofence/location", "ip")); got != 1 {
		t.Errorf("rate limit blocked = %v, want 1", got)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Second}, true},
		{"negative window", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: -time.Second}, true},
		{"default global", DefaultGlobalLimit(), false},
		{"default location", DefaultLocationLimit(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
