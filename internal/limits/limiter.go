// Package limits enforces per-account request rates in Redis.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitConfig is the per-account allowance. Zero disables a limit.
type LimitConfig struct {
	RequestsPerMinute int
	ParallelRequests  int
}

// Enabled reports whether any limit is set.
func (c LimitConfig) Enabled() bool {
	return c.RequestsPerMinute > 0 || c.ParallelRequests > 0
}

const semaphoreTTL = 5 * time.Minute

// RateLimiter counts requests in fixed one-minute windows. A nil client
// allows everything.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Allow admits one request for accountID or returns ErrLimitExceeded. Callers
// that pass ParallelRequests must call Release when the request ends.
func (l *RateLimiter) Allow(ctx context.Context, accountID string, cfg LimitConfig) error {
	if l == nil || l.client == nil {
		return nil
	}
	if cfg.RequestsPerMinute > 0 {
		if err := l.countCheck(ctx, "rpm:"+accountID, time.Minute, cfg.RequestsPerMinute); err != nil {
			return err
		}
	}
	if cfg.ParallelRequests > 0 {
		if err := l.acquire(ctx, "inflight:"+accountID, cfg.ParallelRequests); err != nil {
			return err
		}
	}
	return nil
}

// Release frees the parallel slot taken by Allow.
func (l *RateLimiter) Release(ctx context.Context, accountID string, cfg LimitConfig) {
	if l == nil || l.client == nil || cfg.ParallelRequests <= 0 {
		return
	}
	l.client.Decr(ctx, "inflight:"+accountID)
}

// RetryAfter is the time until the current window resets.
func (l *RateLimiter) RetryAfter() time.Duration {
	now := l.now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func (l *RateLimiter) countCheck(ctx context.Context, key string, window time.Duration, limit int) error {
	bucket := l.now().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("%s:%d", key, bucket)

	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("rate limit count: %w", err)
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, window)
	}
	if cnt > int64(limit) {
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) acquire(ctx context.Context, key string, max int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit acquire: %w", err)
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, semaphoreTTL)
	}
	if cnt > int64(max) {
		l.client.Decr(ctx, key)
		return ErrLimitExceeded
	}
	return nil
}
