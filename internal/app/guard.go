package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/execbridge/internal/cache/redis"
)

// leaser is the part of redis.LockManager the live lock uses.
type leaser interface {
	Lease(ctx context.Context, key string, ttl time.Duration) (lease, error)
}

type lease interface {
	Keep(ctx context.Context) error
	Release()
}

// redisLeaser adapts *redis.LockManager to leaser.
type redisLeaser struct{ lm *redis.LockManager }

func (r redisLeaser) Lease(ctx context.Context, key string, ttl time.Duration) (lease, error) {
	l, err := r.lm.Lease(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// liveLock keeps a second process from trading real money on the same
// account. It implements bridge.LiveGuard.
type liveLock struct {
	locks  leaser
	key    string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	held  lease
	taken chan struct{}
}

func newLiveLock(locks leaser, key string, ttl time.Duration, logger *slog.Logger) *liveLock {
	return &liveLock{
		locks:  locks,
		key:    key,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "live_lock")),
		taken:  make(chan struct{}, 1),
	}
}

// AcquireLive takes the lock once; later calls while it is held succeed
// without touching Redis.
func (g *liveLock) AcquireLive(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held != nil {
		return nil
	}
	l, err := g.locks.Lease(ctx, g.key, g.ttl)
	if err != nil {
		return fmt.Errorf("live lock: %w", err)
	}
	g.held = l
	g.logger.InfoContext(ctx, "live lock acquired", slog.String("key", g.key))
	select {
	case g.taken <- struct{}{}:
	default:
	}
	return nil
}

func (g *liveLock) current() lease {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Run keeps the held lease alive. When it is lost, onLost runs so the caller
// can leave real-money mode, and the lock may be acquired again later.
func (g *liveLock) Run(ctx context.Context, onLost func(context.Context)) error {
	defer g.release()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.taken:
		}
		l := g.current()
		if l == nil {
			continue
		}
		err := l.Keep(ctx)
		if ctx.Err() != nil {
			return nil
		}
		g.logger.ErrorContext(ctx, "live lock lost", slog.String("key", g.key), slog.String("error", err.Error()))
		g.mu.Lock()
		if g.held == l {
			g.held = nil
		}
		g.mu.Unlock()
		onLost(ctx)
	}
}

func (g *liveLock) release() {
	g.mu.Lock()
	l := g.held
	g.held = nil
	g.mu.Unlock()
	if l != nil {
		l.Release()
	}
}

// Held reports whether the lock is currently held.
func (g *liveLock) Held() bool {
	return g.current() != nil
}
