package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewRateLimiter(client), server
}

func TestRateLimiterEnforcesRPMPerAccount(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := LimitConfig{RequestsPerMinute: 2}

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(ctx, "u1", cfg); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "u1", cfg); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected rpm limit error, got %v", err)
	}
	if err := limiter.Allow(ctx, "u2", cfg); err != nil {
		t.Fatalf("other account should pass: %v", err)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	now := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	cfg := LimitConfig{RequestsPerMinute: 1}

	if err := limiter.Allow(ctx, "u1", cfg); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "u1", cfg); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected rpm limit error, got %v", err)
	}
	if got := limiter.RetryAfter(); got != 30*time.Second {
		t.Fatalf("retry after = %s, want 30s", got)
	}

	now = now.Add(time.Minute)
	if err := limiter.Allow(ctx, "u1", cfg); err != nil {
		t.Fatalf("next window should pass: %v", err)
	}
}

func TestRateLimiterParallelRelease(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := LimitConfig{ParallelRequests: 1}

	if err := limiter.Allow(ctx, "u1", cfg); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "u1", cfg); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected parallel limit error, got %v", err)
	}
	limiter.Release(ctx, "u1", cfg)
	if err := limiter.Allow(ctx, "u1", cfg); err != nil {
		t.Fatalf("request after release should pass: %v", err)
	}
}

func TestNilClientAllows(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if err := limiter.Allow(context.Background(), "u1", LimitConfig{RequestsPerMinute: 1}); err != nil {
		t.Fatalf("nil client should allow: %v", err)
	}
	limiter.Release(context.Background(), "u1", LimitConfig{ParallelRequests: 1})
}
