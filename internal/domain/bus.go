package domain

import (
	"context"
	"time"
)

// LockManager hands out exclusive, expiring locks shared between processes.
// Acquire fails with ErrLockHeld while another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter counts requests per key in fixed windows. Allow reports
// whether this request is still within limit for the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is one stream entry. ID is the position to resume reading
// after.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries inbound signals and price ticks (streams) and outbound
// bridge events (pub/sub). Unreadable signals are appended to a dead-letter
// stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns up to count entries after lastID, blocking briefly
	// when none are available. "$" reads only entries added from now on.
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
