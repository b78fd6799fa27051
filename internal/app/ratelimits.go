package app

import (
	"context"
)

// AcquireRateLimit admits one request for accountID. The returned release
// must be called when the request finishes.
func (c *Container) AcquireRateLimit(ctx context.Context, accountID string) (func(), error) {
	noop := func() {}
	if c == nil || c.RateLimiter == nil || !c.RateLimit.Enabled() {
		return noop, nil
	}
	if err := c.RateLimiter.Allow(ctx, accountID, c.RateLimit); err != nil {
		return noop, err
	}
	cfg := c.RateLimit
	return func() {
		c.RateLimiter.Release(context.WithoutCancel(ctx), accountID, cfg)
	}, nil
}
