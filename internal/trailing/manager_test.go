package trailing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

type placedOrder struct {
	req      domain.OrderRequest
	trailing bool
	callback float64
}

// fakeExchange records stop traffic and returns canned prices.
type fakeExchange struct {
	mu           sync.Mutex
	seq          int
	prices       map[string]float64
	priceErr     error
	priceCalls   int
	placed       []placedOrder
	cancels      []string
	cancelErr    error
	trailingFail bool
	stopFail     bool
	// stopLost accepts stop orders but reports a timeout to the caller.
	stopLost bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{prices: map[string]float64{}}
}

func (f *fakeExchange) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceCalls++
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (f *fakeExchange) PlaceStopOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopFail {
		return domain.OrderResult{Error: "rejected"}, nil
	}
	f.seq++
	f.placed = append(f.placed, placedOrder{req: req})
	if f.stopLost {
		return domain.OrderResult{}, errors.New("exchange: place stop: request timed out")
	}
	return domain.OrderResult{Success: true, OrderID: fmt.Sprintf("stop-%d", f.seq)}, nil
}

func (f *fakeExchange) PlaceTrailingStopOrder(_ context.Context, req domain.OrderRequest, _ float64, callback float64) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trailingFail {
		return domain.OrderResult{Error: "trailing orders unsupported"}, nil
	}
	f.seq++
	f.placed = append(f.placed, placedOrder{req: req, trailing: true, callback: callback})
	return domain.OrderResult{Success: true, OrderID: fmt.Sprintf("trail-%d", f.seq)}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeExchange) snapshot() ([]placedOrder, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.placed...), append([]string(nil), f.cancels...)
}

// liveStops returns the client ids of stop orders placed and not cancelled,
// whether they were cancelled by order id or by client id.
func (f *fakeExchange) liveStops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	gone := map[string]bool{}
	for _, id := range f.cancels {
		gone[id] = true
	}
	var live []string
	for i, p := range f.placed {
		if p.trailing {
			continue
		}
		if gone[p.req.ClientOrderID] || gone[fmt.Sprintf("stop-%d", i+1)] {
			continue
		}
		live = append(live, p.req.ClientOrderID)
	}
	return live
}

var testLevels = []domain.TrailLevel{{TriggerROI: 10, StopROI: 0}, {TriggerROI: 20, StopROI: 10}, {TriggerROI: 40, StopROI: 25}}

func newTestManager(mode domain.TrailingMode, ex Exchange, mutate func(*Config)) *Manager {
	cfg := Config{
		Mode:             mode,
		ActivationROI:    10,
		CallbackRate:     1,
		Levels:           testLevels,
		PollInterval:     10 * time.Millisecond,
		FetchTimeout:     time.Second,
		FallbackToManual: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg, ex, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func longBTC(id string) TrackRequest {
	return TrackRequest{PositionID: id, Symbol: "BTCUSDT", Direction: domain.DirectionLong, EntryPrice: 100, Quantity: 1, Leverage: 10}
}

func TestManualLadderMovesToBreakeven(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingManual, ex, func(c *Config) { c.Levels = testLevels[:1] })
	ctx := context.Background()

	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 101)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.Level)
	assert.InDelta(t, 100.0, st.StopPrice, 1e-9)

	placed, cancels := ex.snapshot()
	require.Len(t, placed, 1)
	assert.Empty(t, cancels, "no live stop existed, nothing to cancel")
	assert.Equal(t, domain.OrderSideSell, placed[0].req.Side)
	assert.True(t, placed[0].req.ReduceOnly)
	assert.Equal(t, ClientOrderID("p1", 1), placed[0].req.ClientOrderID)
	assert.Equal(t, "stop-1", st.StopOrderID)
}

func TestManualStopOnlyTightens(t *testing.T) {
	for _, dir := range []domain.Direction{domain.DirectionLong, domain.DirectionShort} {
		t.Run(string(dir), func(t *testing.T) {
			ex := newFakeExchange()
			m := newTestManager(domain.TrailingManual, ex, nil)
			ctx := context.Background()
			req := longBTC("p1")
			req.Direction = dir
			_, err := m.Track(ctx, req)
			require.NoError(t, err)

			// A favourable walk to ROI 45 and back to a loss.
			moves := []float64{0.5, 1.2, 2.5, 4.5, 3, 1, -1}
			prev := 0.0
			for _, mv := range moves {
				price := 100 + mv
				if dir == domain.DirectionShort {
					price = 100 - mv
				}
				st, err := m.OnPrice(ctx, "p1", price)
				require.NoError(t, err)
				if prev > 0 {
					if dir == domain.DirectionLong {
						assert.GreaterOrEqual(t, st.StopPrice, prev)
					} else {
						assert.LessOrEqual(t, st.StopPrice, prev)
					}
				}
				prev = st.StopPrice
			}

			st, ok := m.State("p1")
			require.True(t, ok)
			assert.Equal(t, 3, st.Level)
			want := 102.5
			if dir == domain.DirectionShort {
				want = 97.5
			}
			assert.InDelta(t, want, st.StopPrice, 1e-9)

			placed, cancels := ex.snapshot()
			assert.Len(t, placed, 3)
			assert.Equal(t, []string{"stop-1", "stop-2"}, cancels)
		})
	}
}

func TestInitialStopIsReplaced(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()

	req := longBTC("p1")
	req.InitialStop = 95
	st, err := m.Track(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 95.0, st.StopPrice)
	assert.Equal(t, "stop-1", st.StopOrderID)

	st, err = m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.StopPrice)
	_, cancels := ex.snapshot()
	assert.Equal(t, []string{"stop-1"}, cancels)
}

func TestCancelFailureLeavesStopUntouched(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()

	req := longBTC("p1")
	req.InitialStop = 95
	_, err := m.Track(ctx, req)
	require.NoError(t, err)

	ex.mu.Lock()
	ex.cancelErr = errors.New("exchange: cancel: network error")
	ex.mu.Unlock()

	st, err := m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Equal(t, 95.0, st.StopPrice)
	assert.Equal(t, "stop-1", st.StopOrderID)
	assert.Zero(t, st.Level)

	// Order already gone on the exchange counts as cancelled.
	ex.mu.Lock()
	ex.cancelErr = fmt.Errorf("exchange: cancel: unknown order: %w", domain.ErrNotFound)
	ex.mu.Unlock()
	st, err = m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.StopPrice)
	assert.Equal(t, 1, st.Level)
}

func TestFailedPlacementRetriesWithSameClientID(t *testing.T) {
	ex := newFakeExchange()
	ex.stopFail = true
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Zero(t, st.Level)
	assert.Zero(t, st.StopPrice)

	ex.mu.Lock()
	ex.stopFail = false
	ex.mu.Unlock()
	st, err = m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Level)

	placed, _ := ex.snapshot()
	require.Len(t, placed, 1)
	assert.Equal(t, ClientOrderID("p1", 1), placed[0].req.ClientOrderID)
}

func TestUnconfirmedStopCancelledBeforeNextLevel(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	ex.mu.Lock()
	ex.stopLost = true
	ex.mu.Unlock()
	st, err := m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)
	assert.Empty(t, st.StopOrderID)
	assert.Equal(t, []string{ClientOrderID("p1", 1)}, ex.liveStops())

	ex.mu.Lock()
	ex.stopLost = false
	ex.mu.Unlock()
	st, err = m.OnPrice(ctx, "p1", 102.1)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Level)
	assert.Equal(t, "stop-2", st.StopOrderID)

	_, cancels := ex.snapshot()
	assert.Equal(t, []string{ClientOrderID("p1", 1)}, cancels)
	assert.Equal(t, []string{ClientOrderID("p1", 2)}, ex.liveStops())

	m.Untrack(ctx, "p1")
	assert.Empty(t, ex.liveStops())
}

func TestUntrackCancelsUnconfirmedStop(t *testing.T) {
	ex := newFakeExchange()
	ex.stopLost = true
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()

	req := longBTC("p1")
	req.InitialStop = 95
	st, err := m.Track(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, st.StopOrderID)
	require.Len(t, ex.liveStops(), 1)

	m.Untrack(ctx, "p1")
	assert.Empty(t, ex.liveStops())
	_, cancels := ex.snapshot()
	assert.Equal(t, []string{ClientOrderID("p1", 0)}, cancels)
}

func TestUnconfirmedCancelFailureBlocksPlacement(t *testing.T) {
	ex := newFakeExchange()
	ex.stopLost = true
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)
	_, err = m.OnPrice(ctx, "p1", 101.1)
	require.NoError(t, err)

	ex.mu.Lock()
	ex.stopLost = false
	ex.cancelErr = errors.New("exchange: cancel: network error")
	ex.mu.Unlock()
	st, err := m.OnPrice(ctx, "p1", 102.1)
	require.NoError(t, err)
	assert.Zero(t, st.Level)
	placed, _ := ex.snapshot()
	assert.Len(t, placed, 1, "nothing placed while an unconfirmed stop may be live")
}

func TestNativeArmsOnActivation(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingNative, ex, func(c *Config) { c.ActivationROI = 15 })
	ctx := context.Background()
	req := longBTC("p1")
	req.InitialStop = 95
	_, err := m.Track(ctx, req)
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 101)
	require.NoError(t, err)
	assert.False(t, st.Active)

	st, err = m.OnPrice(ctx, "p1", 101.5)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "trail-2", st.NativeOrderID)
	assert.Empty(t, st.StopOrderID)

	placed, cancels := ex.snapshot()
	require.Len(t, placed, 2)
	assert.True(t, placed[1].trailing)
	assert.Equal(t, 1.0, placed[1].callback)
	assert.Equal(t, NativeClientOrderID("p1"), placed[1].req.ClientOrderID)
	assert.Equal(t, []string{"stop-1"}, cancels)

	// Armed positions are left to the exchange.
	_, err = m.OnPrice(ctx, "p1", 110)
	require.NoError(t, err)
	placed, _ = ex.snapshot()
	assert.Len(t, placed, 2)
}

func TestNativeFailureRestoresStop(t *testing.T) {
	ex := newFakeExchange()
	ex.trailingFail = true
	m := newTestManager(domain.TrailingNative, ex, nil)
	ctx := context.Background()
	req := longBTC("p1")
	req.InitialStop = 95
	_, err := m.Track(ctx, req)
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 101.2)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, 95.0, st.StopPrice)
	assert.Equal(t, "stop-2", st.StopOrderID)
}

func TestHybridFallsBackToManual(t *testing.T) {
	ex := newFakeExchange()
	ex.trailingFail = true
	m := newTestManager(domain.TrailingHybrid, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 102.1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrailingManual, st.Mode)
	assert.Equal(t, 2, st.Level)
	assert.InDelta(t, 101.0, st.StopPrice, 1e-9)
	assert.Empty(t, st.NativeOrderID)
}

func TestHybridArmsNativeAtFirstLevel(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingHybrid, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	st, err := m.OnPrice(ctx, "p1", 100.5)
	require.NoError(t, err)
	assert.False(t, st.Active)

	st, err = m.OnPrice(ctx, "p1", 101)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, domain.TrailingHybrid, st.Mode)
	assert.Equal(t, 1, st.Level)
	assert.NotEmpty(t, st.NativeOrderID)
}

func TestTrackingLifecycle(t *testing.T) {
	ex := newFakeExchange()
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()

	_, err := m.OnPrice(ctx, "missing", 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.Track(ctx, TrackRequest{PositionID: "bad", Symbol: "BTCUSDT", EntryPrice: 100, Quantity: 1})
	assert.Error(t, err)

	req := longBTC("p1")
	req.InitialStop = 95
	first, err := m.Track(ctx, req)
	require.NoError(t, err)
	again, err := m.Track(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.StopOrderID, again.StopOrderID)

	_, err = m.OnPrice(ctx, "p1", 103)
	require.NoError(t, err)
	st, _ := m.State("p1")
	assert.Equal(t, 103.0, st.PeakPrice)
	assert.Equal(t, 100.0, st.TroughPrice)
	assert.Len(t, m.States(), 1)

	m.Untrack(ctx, "p1")
	m.Untrack(ctx, "p1")
	_, ok := m.State("p1")
	assert.False(t, ok)
	_, cancels := ex.snapshot()
	assert.Contains(t, cancels, st.StopOrderID)
}

func TestPollSkipsFailedFetch(t *testing.T) {
	ex := newFakeExchange()
	ex.priceErr = errors.New("timeout")
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx := context.Background()
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	m.Poll(ctx)
	st, _ := m.State("p1")
	assert.Zero(t, st.Level)
	placed, _ := ex.snapshot()
	assert.Empty(t, placed)

	ex.mu.Lock()
	ex.priceErr = nil
	ex.prices["BTCUSDT"] = 101
	ex.mu.Unlock()
	m.Poll(ctx)
	st, _ = m.State("p1")
	assert.Equal(t, 1, st.Level)
}

func TestRunStopsOnCancel(t *testing.T) {
	ex := newFakeExchange()
	ex.prices["BTCUSDT"] = 101
	m := newTestManager(domain.TrailingManual, ex, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Track(ctx, longBTC("p1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, _ := m.State("p1")
		return st.Level == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
