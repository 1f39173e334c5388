package redis

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

//go:embed scripts/extend_lock.lua
var extendLua string

// LockManager implements domain.LockManager using SET NX with a TTL and
// token-checked Lua unlock and extend.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock for key. The returned unlock function may be called
// more than once. It returns domain.ErrLockHeld if someone else holds it.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lease, err := lm.Lease(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lease.Release, nil
}

// Lease is a held lock that can be kept alive.
type Lease struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration
	once  sync.Once
}

// Lease takes the lock for key and returns it as a Lease.
func (lm *LockManager) Lease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := lm.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	return &Lease{lm: lm, key: key, token: token, ttl: ttl}, nil
}

// Keep extends the lease every third of its TTL until ctx ends or the lock
// is lost, in which case it returns domain.ErrLockHeld.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := l.lm.extendSc.Run(ctx, l.lm.rdb, []string{lockKey(l.key)}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.lm.logger.WarnContext(ctx, "redis: lock extend failed", slog.String("key", l.key), slog.String("error", err.Error()))
			continue
		}
		if n == 0 {
			return fmt.Errorf("redis: lock %s lost: %w", l.key, domain.ErrLockHeld)
		}
	}
}

// Release frees the lock if it is still ours. It is safe to call more than
// once and uses its own timeout so it works after ctx cancellation.
func (l *Lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{lockKey(l.key)}, l.token).Err(); err != nil {
			l.lm.logger.Warn("redis: unlock failed", slog.String("key", l.key), slog.String("error", err.Error()))
		}
	})
}

var _ domain.LockManager = (*LockManager)(nil)
