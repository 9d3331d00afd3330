package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestClientAddress(t *testing.T) {
	resolver, err := NewClientResolver([]string{"10.0.0.0/8", "127.0.0.1"})
	if err != nil {
		t.Fatalf("NewClientResolver: %v", err)
	}

	tests := []struct {
		name      string
		resolver  *ClientResolver
		remote    string
		forwarded string
		realIP    string
		want      string
	}{
		{"untrusted peer ignores forwarded", resolver, "203.0.113.5:4000", "1.1.1.1", "2.2.2.2", "203.0.113.5"},
		{"nil resolver trusts nobody", nil, "127.0.0.1:1234", "1.1.1.1", "", "127.0.0.1"},
		{"trusted peer uses forwarded", resolver, "127.0.0.1:1234", "203.0.113.9", "", "203.0.113.9"},
		{"rightmost untrusted hop wins", resolver, "10.0.0.2:80", "6.6.6.6, 203.0.113.9, 10.1.1.1", "", "203.0.113.9"},
		{"all hops trusted", resolver, "10.0.0.2:80", "10.9.9.9, 10.1.1.1", "", "10.9.9.9"},
		{"garbage hop stops the walk", resolver, "10.0.0.2:80", "not-an-ip", "198.51.100.4", "198.51.100.4"},
		{"trusted peer uses real ip", resolver, "10.0.0.2:80", "", "198.51.100.4", "198.51.100.4"},
		{"trusted peer without headers", resolver, "10.0.0.2:80", "", "", "10.0.0.2"},
		{"remote without port", resolver, "192.0.2.7", "", "", "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/reports", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := tt.resolver.ClientAddress(req); got != tt.want {
				t.Fatalf("ClientAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientResolverRejectsInvalidEntries(t *testing.T) {
	for _, entry := range []string{"proxy.internal", "10.0.0.0/33"} {
		if _, err := NewClientResolver([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
}

func TestMemoryBlocksExcessBurst(t *testing.T) {
	limiter := NewMemory(1, 1)
	if limiter == nil {
		t.Fatal("expected limiter to be created")
	}

	ctx := context.Background()
	first, _ := limiter.Allow(ctx, "192.0.2.10")
	if !first.Allowed {
		t.Fatal("first request should be allowed")
	}
	second, _ := limiter.Allow(ctx, "192.0.2.10")
	if second.Allowed {
		t.Fatal("second immediate request should be rate limited")
	}
	if second.RetryAfter <= 0 {
		t.Fatalf("expected retry hint, got %s", second.RetryAfter)
	}
	other, _ := limiter.Allow(ctx, "192.0.2.11")
	if !other.Allowed {
		t.Fatal("other clients keep their own bucket")
	}
}

func TestMemoryWindowQuota(t *testing.T) {
	limiter := NewMemoryWindow(3, time.Minute)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, _ := limiter.Allow(ctx, "p:ip")
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	denied, _ := limiter.Allow(ctx, "p:ip")
	if denied.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if got := denied.RetryAfterSeconds(); got != 20 {
		t.Fatalf("expected 20s until one token refills, got %d", got)
	}

	current = current.Add(21 * time.Second)
	refilled, _ := limiter.Allow(ctx, "p:ip")
	if !refilled.Allowed {
		t.Fatal("request after refill should be allowed")
	}
}

func TestInvalidLimitsDisableLimiter(t *testing.T) {
	if NewMemory(0, 5) != nil || NewMemoryWindow(0, time.Minute) != nil {
		t.Fatal("expected nil limiter for non-positive limits")
	}
	if NewRedis(nil, 10, time.Minute) != nil {
		t.Fatal("expected nil limiter without a client")
	}
}

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, limit, window), mr
}

func TestRedisFixedWindow(t *testing.T) {
	limiter, mr := newRedisLimiter(t, 2, time.Minute)
	current := time.Date(2026, 1, 1, 0, 0, 15, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "p:ip")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	denied, err := limiter.Allow(ctx, "p:ip")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if denied.Allowed {
		t.Fatal("third request in window should be denied")
	}
	if got := denied.RetryAfterSeconds(); got != 45 {
		t.Fatalf("expected 45s until window end, got %d", got)
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one counter key, got %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected counter expiry within window, got %s", ttl)
	}

	current = current.Add(45 * time.Second)
	next, err := limiter.Allow(ctx, "p:ip")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !next.Allowed {
		t.Fatal("new window should reset the quota")
	}
}

func TestRedisLimiterReportsBackendErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedis(client, 2, time.Minute)

	if _, err := limiter.Allow(context.Background(), "p:ip"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	limiter := NewMemory(1, 1)
	handler := Middleware(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest("GET", "/api/v1/reports", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest("GET", "/api/v1/reports", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
