// Package redisclient builds the optional Redis connection backing rate
// limits and idempotency.
package redisclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/metering_gateway/internal/config"
)

const pingTimeout = 3 * time.Second

// New returns nil when no URL is configured.
func New(cfg config.RedisConfig) *redis.Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		// host:port without a scheme
		opts = &redis.Options{Addr: url}
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	client.AddHook(skipMaintNotifications{})
	return client
}

// Ping checks connectivity. A nil client is healthy.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// skipMaintNotifications drops the CLIENT MAINT_NOTIFICATIONS handshake that
// older servers and miniredis reject.
type skipMaintNotifications struct{}

func (skipMaintNotifications) DialHook(next redis.DialHook) redis.DialHook { return next }

func (skipMaintNotifications) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if isMaintNotifications(cmd) {
			return nil
		}
		return next(ctx, cmd)
	}
}

func (skipMaintNotifications) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		kept := cmds[:0]
		for _, cmd := range cmds {
			if !isMaintNotifications(cmd) {
				kept = append(kept, cmd)
			}
		}
		return next(ctx, kept)
	}
}

func isMaintNotifications(cmd redis.Cmder) bool {
	if !strings.EqualFold(cmd.FullName(), "client") || len(cmd.Args()) < 2 {
		return false
	}
	name, ok := cmd.Args()[1].(string)
	return ok && strings.EqualFold(name, "maint_notifications")
}
