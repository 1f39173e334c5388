package exchange

import (
	"context"
	"sync"
	"time"
)

// DefaultCancelInterval is the minimum spacing between cancel requests.
const DefaultCancelInterval = 250 * time.Millisecond

// Throttle gates cancel-type requests. Wait blocks until the caller may send.
type Throttle interface {
	Wait(ctx context.Context) error
}

// LocalThrottle is an in-process gate keyed on the time of the last cancel.
// Callers are serialized, so at most one cancel leaves per interval.
type LocalThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewLocalThrottle creates a gate with the given minimum interval. A
// non-positive interval uses DefaultCancelInterval.
func NewLocalThrottle(interval time.Duration) *LocalThrottle {
	if interval <= 0 {
		interval = DefaultCancelInterval
	}
	return &LocalThrottle{interval: interval, now: time.Now}
}

// Wait sleeps until interval has passed since the previous cancel, then
// records the current time as the new last-cancel time.
func (t *LocalThrottle) Wait(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.last.IsZero() {
		if d := t.last.Add(t.interval).Sub(t.now()); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	t.last = t.now()
	return nil
}
