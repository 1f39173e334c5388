package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

func newTestLedger() *Ledger {
	return New(Config{
		InitialBalance:   1000,
		DefaultMarginUSD: 100,
		DefaultLeverage:  10,
		MaxPositions:     5,
		Levels:           []domain.TrailLevel{{TriggerROI: 10, StopROI: 0}, {TriggerROI: 20, StopROI: 10}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func signal(symbol string, dir domain.Direction, price float64) domain.Signal {
	return domain.Signal{ID: symbol + "-" + string(dir), Symbol: symbol, Direction: dir, Price: price}
}

func TestOnePositionPerKey(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 100)).Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)

	dec := l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 101))
	assert.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "already open")

	dec = l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionShort, 101))
	assert.True(t, dec.Accepted, "opposite direction is a different key")
	assert.Len(t, l.Positions(), 2)
}

func TestProcessSignalSizing(t *testing.T) {
	l := newTestLedger()
	sig := signal("ETHUSDT", domain.DirectionLong, 2000)
	sig.SuggestedLeverage = 5
	sig.SuggestedPositionSize = 200
	sig.SuggestedStopLoss = 1900
	sig.SuggestedTakeProfit = 1800 // wrong side, dropped

	dec := l.ProcessSignal(context.Background(), sig)
	require.True(t, dec.Accepted)
	p := dec.Position
	assert.Equal(t, 5, p.Leverage)
	assert.Equal(t, 200.0, p.MarginUsed)
	assert.Equal(t, 1000.0, p.NotionalSize)
	assert.InDelta(t, 0.5, p.Quantity(), 1e-12)
	assert.Equal(t, 1900.0, p.StopPrice)
	assert.Zero(t, p.TakeProfit)
	assert.Equal(t, sig.ID, p.SignalID)

	bal, _ := l.Balance()
	assert.Equal(t, 800.0, bal)
}

func TestEffectiveMarginMatchesCommittedMargin(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	sized := signal("ETHUSDT", domain.DirectionLong, 2000)
	sized.SuggestedPositionSize = 250
	assert.Equal(t, 250.0, l.EffectiveMargin(sized))

	unsized := signal("BTCUSDT", domain.DirectionLong, 100)
	assert.Equal(t, 100.0, l.EffectiveMargin(unsized))

	dec := l.ProcessSignal(ctx, unsized)
	require.True(t, dec.Accepted)
	assert.Equal(t, l.EffectiveMargin(unsized), dec.Position.MarginUsed)
}

func TestProcessSignalRejects(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	assert.False(t, l.ProcessSignal(ctx, signal("", domain.DirectionLong, 1)).Accepted)
	assert.False(t, l.ProcessSignal(ctx, signal("BTCUSDT", "sideways", 1)).Accepted)
	assert.False(t, l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 0)).Accepted)

	big := signal("BTCUSDT", domain.DirectionLong, 100)
	big.SuggestedPositionSize = 5000
	dec := l.ProcessSignal(ctx, big)
	assert.False(t, dec.Accepted)
	assert.Contains(t, dec.Reason, "insufficient balance")

	for i, sym := range []string{"A", "B", "C", "D", "E"} {
		require.True(t, l.ProcessSignal(ctx, signal(sym, domain.DirectionLong, 10)).Accepted, i)
	}
	dec = l.ProcessSignal(ctx, signal("F", domain.DirectionLong, 10))
	assert.Contains(t, dec.Reason, "max positions")
}

func TestUpdatePricesStopsAndTargets(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	long := signal("BTCUSDT", domain.DirectionLong, 100)
	long.SuggestedStopLoss = 95
	short := signal("ETHUSDT", domain.DirectionShort, 100)
	short.SuggestedTakeProfit = 90
	require.True(t, l.ProcessSignal(ctx, long).Accepted)
	require.True(t, l.ProcessSignal(ctx, short).Accepted)

	closed := l.UpdatePrices(ctx, map[string]float64{"BTCUSDT": 97, "ETHUSDT": 99})
	assert.Empty(t, closed)

	closed = l.UpdatePrices(ctx, map[string]float64{"BTCUSDT": 94.5, "ETHUSDT": 89})
	require.Len(t, closed, 2)
	byReason := map[domain.CloseReason]domain.ClosedPosition{}
	for _, c := range closed {
		byReason[c.Reason] = c
	}
	sl := byReason[domain.CloseReasonStopLoss]
	assert.Equal(t, "BTCUSDT", sl.Symbol)
	assert.InDelta(t, -55.0, sl.RealizedPnL, 1e-9)
	tp := byReason[domain.CloseReasonTakeProfit]
	assert.Equal(t, "ETHUSDT", tp.Symbol)
	assert.InDelta(t, 110.0, tp.RealizedPnL, 1e-9)

	assert.Empty(t, l.Positions())
	bal, realized := l.Balance()
	assert.InDelta(t, 1055.0, bal, 1e-9)
	assert.InDelta(t, 55.0, realized, 1e-9)
	assert.Len(t, l.Closed(0), 2)
}

func TestUpdatePricesWalksLadder(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	dec := l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 100))
	require.True(t, dec.Accepted)

	l.UpdatePrices(ctx, map[string]float64{"BTCUSDT": 101})
	p, ok := l.Get(dec.Position.ID)
	require.True(t, ok)
	assert.True(t, p.TrailingActive)
	assert.Equal(t, 1, p.TrailLevel)
	assert.InDelta(t, 100.0, p.StopPrice, 1e-9)
	assert.InDelta(t, 10.0, p.UnrealizedPnL, 1e-9)

	l.UpdatePrices(ctx, map[string]float64{"BTCUSDT": 102.5})
	p, _ = l.Get(dec.Position.ID)
	assert.Equal(t, 2, p.TrailLevel)
	assert.InDelta(t, 101.0, p.StopPrice, 1e-9)

	closed := l.UpdatePrices(ctx, map[string]float64{"BTCUSDT": 100.9})
	require.Len(t, closed, 1)
	assert.Equal(t, domain.CloseReasonTrailing, closed[0].Reason)
}

func TestCloseByID(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	dec := l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 100))
	require.True(t, dec.Accepted)

	_, ok := l.Close(ctx, "nope", 100, domain.CloseReasonManual)
	assert.False(t, ok)

	cp, ok := l.Close(ctx, dec.Position.ID, 0, domain.CloseReasonManual)
	require.True(t, ok)
	assert.Equal(t, 100.0, cp.ExitPrice)
	assert.Zero(t, cp.RealizedPnL)

	_, ok = l.Close(ctx, dec.Position.ID, 0, domain.CloseReasonManual)
	assert.False(t, ok)
}

func TestDiscardRefundsMargin(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	dec := l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 100))
	require.True(t, dec.Accepted)

	assert.True(t, l.Discard(ctx, dec.Position.ID))
	assert.False(t, l.Discard(ctx, dec.Position.ID))
	bal, realized := l.Balance()
	assert.Equal(t, 1000.0, bal)
	assert.Zero(t, realized)
	assert.Empty(t, l.Closed(0))
	assert.True(t, l.ProcessSignal(ctx, signal("BTCUSDT", domain.DirectionLong, 100)).Accepted)
}
