package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/config"
	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComponentConfigsFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.APISecret = "secret"

	bc := bridgeConfig(&cfg)
	require.NoError(t, bc.Validate())
	assert.Equal(t, domain.ModeLogOnly, bc.Mode)
	assert.Equal(t, time.Minute, bc.ReconcileInterval)
	assert.Equal(t, cfg.Bridge.TradeLogSize, bc.TradeLogSize)

	lc := ledgerConfig(&cfg)
	assert.Equal(t, cfg.Trailing.Levels, lc.Levels)
	lc.Levels[0].StopROI = 99
	assert.NotEqual(t, 99.0, cfg.Trailing.Levels[0].StopROI, "ledger levels must be a copy")

	tc := trailingConfig(&cfg)
	assert.Equal(t, domain.TrailingManual, tc.Mode)
	assert.Equal(t, 5*time.Second, tc.PollInterval)

	fc, err := futuresConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "secret", fc.APISecret)
	assert.Equal(t, 20, fc.Safety.MaxLeverage)
	assert.True(t, fc.Safety.TradingEnabled)
}

func TestFuturesConfigMissingEncryptedSecret(t *testing.T) {
	cfg := config.Defaults()
	cfg.Exchange.EncryptedSecretPath = t.TempDir() + "/missing.json"
	cfg.Exchange.SecretPassword = "pw"

	_, err := futuresConfig(&cfg)
	require.Error(t, err)
}

func TestAccountIDHidesKey(t *testing.T) {
	assert.Equal(t, "default", accountID("  "))
	id := accountID("my-api-key")
	assert.Len(t, id, 12)
	assert.NotContains(t, id, "my-api-key")
	assert.Equal(t, id, accountID("my-api-key"))
	assert.Equal(t, "execbridge:live:"+id, liveLockKey("my-api-key"))
}

func TestProcessModes(t *testing.T) {
	assert.True(t, serveHTTP("full"))
	assert.True(t, serveHTTP("SERVER"))
	assert.False(t, serveHTTP("bridge"))
	assert.True(t, consumeFeeds("bridge"))
	assert.True(t, consumeFeeds("full"))
	assert.False(t, consumeFeeds("server"))
}

func TestQuiet(t *testing.T) {
	assert.NoError(t, quiet(context.Canceled))
	assert.NoError(t, quiet(fmt.Errorf("loop: %w", context.Canceled)))
	boom := errors.New("boom")
	assert.ErrorIs(t, quiet(boom), boom)
}

type fakeLease struct {
	lost     chan struct{}
	released int
	mu       sync.Mutex
}

func (l *fakeLease) Keep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.lost:
		return domain.ErrLockHeld
	}
}

func (l *fakeLease) Release() {
	l.mu.Lock()
	l.released++
	l.mu.Unlock()
}

func (l *fakeLease) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeLeaser struct {
	mu     sync.Mutex
	calls  int
	held   bool
	leases []*fakeLease
}

func (f *fakeLeaser) Lease(_ context.Context, _ string, _ time.Duration) (lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.held {
		return nil, domain.ErrLockHeld
	}
	l := &fakeLease{lost: make(chan struct{})}
	f.leases = append(f.leases, l)
	return l, nil
}

func TestLiveLockAcquireIsIdempotent(t *testing.T) {
	leaser := &fakeLeaser{}
	g := newLiveLock(leaser, "k", time.Second, discardLogger())

	require.NoError(t, g.AcquireLive(context.Background()))
	require.NoError(t, g.AcquireLive(context.Background()))
	assert.Equal(t, 1, leaser.calls)
	assert.True(t, g.Held())
}

func TestLiveLockHeldElsewhere(t *testing.T) {
	g := newLiveLock(&fakeLeaser{held: true}, "k", time.Second, discardLogger())

	err := g.AcquireLive(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.False(t, g.Held())
}

func TestLiveLockLossCallsBack(t *testing.T) {
	leaser := &fakeLeaser{}
	g := newLiveLock(leaser, "k", time.Second, discardLogger())
	require.NoError(t, g.AcquireLive(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	lostCh := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, func(context.Context) { lostCh <- struct{}{} })
	}()

	close(leaser.leases[0].lost)
	select {
	case <-lostCh:
	case <-time.After(2 * time.Second):
		t.Fatal("onLost was not called")
	}
	assert.False(t, g.Held())

	// The lock can be taken again and is released on shutdown.
	require.NoError(t, g.AcquireLive(context.Background()))
	require.Eventually(t, func() bool { return g.Held() }, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, leaser.leases[1].releases())
	assert.False(t, g.Held())
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.APISecret = "secret"

	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, deps.Bridge)
	assert.Nil(t, deps.LiveLock)
	assert.Nil(t, deps.Feed)
	assert.Nil(t, deps.RateLimiter)
	assert.Empty(t, deps.Pingers)

	// Cleanup wipes the exchange signing secret.
	cleanup()
	assert.ErrorIs(t, deps.Exchange.Initialize(context.Background()), exchange.ErrMissingCredentials)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "warn"
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "execbridge.log")

	var stdout bytes.Buffer
	logger, closeLog, err := NewLogger(&cfg, &stdout)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("visible", slog.String("component", "test"))
	require.NoError(t, closeLog())

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"visible"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Equal(t, string(data), stdout.String())
}
