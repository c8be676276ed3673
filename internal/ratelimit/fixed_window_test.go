package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	_, client := newTestClient(t)
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	key := "/auth/login|203.0.113.9"
	if !limiter.Allow(key) || !limiter.Allow(key) {
		t.Fatalf("first two attempts should pass")
	}
	if limiter.Allow(key) {
		t.Fatalf("third attempt should be blocked")
	}
	if !limiter.Allow("/auth/login|203.0.113.10") {
		t.Fatalf("other callers keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr, client := newTestClient(t)
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow("ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	_, client := newTestClient(t)
	tests := []struct {
		name   string
		client *redis.Client
		limit  int
		window time.Duration
	}{
		{name: "nil client", limit: 1, window: time.Minute},
		{name: "zero limit", client: client, window: time.Minute},
		{name: "zero window", client: client, limit: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if l, err := NewFixedWindowLimiter(tc.client, "p", tc.limit, tc.window); err == nil || l != nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSlidingWindowLimiterRollingWindow(t *testing.T) {
	_, client := newTestClient(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter, err := NewSlidingWindowLimiter(client, "test:create", 10, 24*time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	limiter.WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		ok, count, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil || !ok {
			t.Fatalf("hit %d should pass: ok=%v err=%v", i, ok, err)
		}
		if count != i {
			t.Fatalf("hit %d counted as %d", i, count)
		}
		now = now.Add(time.Hour)
	}
	ok, _, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatalf("11th hit within 24h should be blocked")
	}
	if ok, _, _ := limiter.Allow(ctx, "198.51.100.1"); !ok {
		t.Fatalf("other ip should not share the limit")
	}

	// Only the first hit falls out of the window.
	now = now.Add(14*time.Hour + 30*time.Minute)
	if ok, _, _ := limiter.Allow(ctx, "203.0.113.7"); !ok {
		t.Fatalf("expected a slot once the oldest hit left the window")
	}
	if ok, _, _ := limiter.Allow(ctx, "203.0.113.7"); ok {
		t.Fatalf("expected window to be full again")
	}
}

func TestSlidingWindowLimiterFailClosed(t *testing.T) {
	mr, client := newTestClient(t)
	limiter, err := NewSlidingWindowLimiter(client, "test:create", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	ok, _, err := limiter.Allow(context.Background(), "ip")
	if ok || err == nil {
		t.Fatalf("expected fail closed with error, got ok=%v err=%v", ok, err)
	}
}

func TestSlidingWindowLimiterRequiresClient(t *testing.T) {
	if _, err := NewSlidingWindowLimiter(nil, "", 1, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	_, client := newTestClient(t)
	if _, err := NewSlidingWindowLimiter(client, "", 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
