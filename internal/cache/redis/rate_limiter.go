package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

//go:embed scripts/fixed_window.lua
var fixedWindowLua string

// RateLimiter counts control API writes in Redis so every instance behind
// a load balancer shares one budget per client.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRateLimiter creates a RateLimiter on c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), script: redis.NewScript(fixedWindowLua)}
}

func rateLimitKey(key string) string {
	return "execbridge:" + key
}

// Allow counts one request against key's current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	ms := window.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	ok, err := rl.script.Run(ctx, rl.rdb, []string{rateLimitKey(key)}, ms, limit).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return ok == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
