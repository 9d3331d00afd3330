package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory keeps one token bucket per key. Buckets idle longer than the TTL are
// evicted.
type Memory struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func NewMemory(requestsPerSec float64, burst int) *Memory {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}

	return &Memory{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
		clients:  make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

// NewMemoryWindow allows limit requests per window with the bucket refilling
// evenly over the window.
func NewMemoryWindow(limit int, window time.Duration) *Memory {
	if limit <= 0 || window <= 0 {
		return nil
	}
	limiter := NewMemory(float64(limit)/window.Seconds(), limit)
	if window > limiter.ttl {
		limiter.ttl = window
	}
	return limiter
}

func (l *Memory) Allow(_ context.Context, key string) (Decision, error) {
	if key == "" {
		key = "unknown"
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.clients[key]
	if !exists {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients[key] = limiter
	}
	l.lastSeen[key] = now

	for client, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > l.ttl {
			delete(l.lastSeen, client)
			delete(l.clients, client)
		}
	}

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{RetryAfter: l.ttl}, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}

	return Decision{Allowed: true, Remaining: int(limiter.TokensAt(now))}, nil
}
