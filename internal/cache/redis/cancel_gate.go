package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/execbridge/internal/exchange"
)

//go:embed scripts/cancel_gate.lua
var cancelGateLua string

// CancelGate spaces order cancels across every process sharing one exchange
// account. It satisfies exchange.Throttle.
type CancelGate struct {
	rdb      *redis.Client
	script   *redis.Script
	key      string
	interval time.Duration
}

// NewCancelGate creates a gate named account with the given minimum
// interval between cancels.
func NewCancelGate(c *Client, account string, interval time.Duration) *CancelGate {
	if interval <= 0 {
		interval = exchange.DefaultCancelInterval
	}
	return &CancelGate{
		rdb:      c.Underlying(),
		script:   redis.NewScript(cancelGateLua),
		key:      cancelGateKey(account),
		interval: interval,
	}
}

func cancelGateKey(account string) string {
	return "execbridge:cancel-gate:" + account
}

// Wait blocks until this caller owns the next cancel slot.
func (g *CancelGate) Wait(ctx context.Context) error {
	for {
		wait, err := g.script.Run(ctx, g.rdb, []string{g.key}, g.interval.Milliseconds()).Int64()
		if err != nil {
			return fmt.Errorf("redis: cancel gate: %w", err)
		}
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: cancel gate: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

var _ exchange.Throttle = (*CancelGate)(nil)
