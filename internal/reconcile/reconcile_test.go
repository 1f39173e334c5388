package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

type staticLedger []domain.Position

func (l staticLedger) Positions() []domain.Position { return l }

type fakeExchange struct {
	mu        sync.Mutex
	positions []domain.ExchangePosition
	err       error
	closed    []domain.PositionKey
	closeFail bool
}

func (f *fakeExchange) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	return f.positions, f.err
}

func (f *fakeExchange) ClosePosition(_ context.Context, symbol string, dir domain.Direction, _ float64) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeFail {
		return domain.OrderResult{Error: "exchange: close: network error"}, nil
	}
	f.closed = append(f.closed, domain.PositionKey{Symbol: symbol, Direction: dir})
	return domain.OrderResult{Success: true, OrderID: "1"}, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Ledger holds BTC long and ETH short; exchange holds BTC long and SOL long.
func driftFixture() (staticLedger, *fakeExchange) {
	ledger := staticLedger{
		{ID: "p-btc", Symbol: "BTCUSDT", Direction: domain.DirectionLong},
		{ID: "p-eth", Symbol: "ETHUSDT", Direction: domain.DirectionShort},
	}
	ex := &fakeExchange{positions: []domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: domain.DirectionLong, Quantity: 0.01},
		{Symbol: "SOLUSDT", Side: domain.DirectionLong, Quantity: 3},
	}}
	return ledger, ex
}

func TestReconcileClassifiesDrift(t *testing.T) {
	ledger, ex := driftFixture()
	svc := NewService(ledger, ex, false, discard())

	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Orphaned)
	assert.Equal(t, 1, res.Missing)
	require.Len(t, res.Orphans, 1)
	assert.Equal(t, "SOLUSDT", res.Orphans[0].Symbol)
	require.Len(t, res.MissingPositions, 1)
	assert.Equal(t, "p-eth", res.MissingPositions[0].ID)
	assert.True(t, res.Drift())
	assert.Zero(t, res.ClosedOrphans)
	assert.Empty(t, ex.closed, "orphans are only reported by default")
	assert.False(t, res.At.IsZero())
}

func TestReconcileAutoClosesOrphans(t *testing.T) {
	ledger, ex := driftFixture()
	svc := NewService(ledger, ex, false, discard())
	svc.SetAutoClose(true)

	res, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClosedOrphans)
	assert.Equal(t, []domain.PositionKey{{Symbol: "SOLUSDT", Direction: domain.DirectionLong}}, ex.closed)

	ex.closeFail = true
	res, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)
	assert.Zero(t, res.ClosedOrphans)
}

func TestReconcileSameSymbolOppositeSide(t *testing.T) {
	ledger := staticLedger{{ID: "p1", Symbol: "BTCUSDT", Direction: domain.DirectionLong}}
	ex := &fakeExchange{positions: []domain.ExchangePosition{{Symbol: "BTCUSDT", Side: domain.DirectionShort, Quantity: 1}}}

	res, err := NewService(ledger, ex, false, discard()).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.Equal(t, 1, res.Orphaned)
	assert.Equal(t, 1, res.Missing)
}

func TestReconcileFetchError(t *testing.T) {
	ex := &fakeExchange{err: errors.New("exchange: positions: network error")}
	_, err := NewService(staticLedger{}, ex, false, discard()).Reconcile(context.Background())
	assert.ErrorContains(t, err, "network error")
}
