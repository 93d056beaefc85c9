package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared across server instances.
// On Redis failure it fails open: blocking every caller because the counter
// store is down would be worse than briefly not limiting.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, prefix: "ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := l.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, l.cfg.Window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := incr.Val()
	if count > int64(l.cfg.Limit) {
		retryAfter := ttl.Val()
		if retryAfter <= 0 {
			retryAfter = l.cfg.Window
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: l.cfg.Limit - int(count)}, nil
}

// Ping checks the counter store is reachable.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Limiter = (*RedisLimiter)(nil)
