package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
	"github.com/alanyoungcy/execbridge/internal/ledger"
	"github.com/alanyoungcy/execbridge/internal/reconcile"
	"github.com/alanyoungcy/execbridge/internal/trailing"
)

// fakeExchange is an in-memory exchange.Client. calls lists every method
// that would touch the network.
type fakeExchange struct {
	mu          sync.Mutex
	ready       bool
	initErr     error
	validateErr error
	orderResult domain.OrderResult
	orderErr    error
	orderDelay  time.Duration
	closeResult domain.OrderResult
	closeAll    domain.CloseAllResult
	positions   []domain.ExchangePosition
	calls       []string
	orders      []domain.OrderRequest
	closes      []domain.PositionKey
}

var _ exchange.Client = (*fakeExchange)(nil)

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		ready:       true,
		orderResult: domain.OrderResult{Success: true, OrderID: "9001", FilledPrice: 100},
		closeResult: domain.OrderResult{Success: true, OrderID: "9002"},
	}
}

func (f *fakeExchange) call(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeExchange) networkCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExchange) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("Initialize")
	if f.initErr != nil {
		return f.initErr
	}
	f.ready = true
	return nil
}

func (f *fakeExchange) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeExchange) ValidateOrder(domain.OrderRequest, float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateErr
}

func (f *fakeExchange) GetBalance(context.Context) ([]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetBalance")
	return nil, nil
}

func (f *fakeExchange) GetOpenPositions(context.Context) ([]domain.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetOpenPositions")
	return f.positions, nil
}

func (f *fakeExchange) GetMarkPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("GetMarkPrice")
	return 100, nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, _ string, lev int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("SetLeverage")
	return lev, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	delay := f.orderDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PlaceMarketOrder")
	f.orders = append(f.orders, req)
	return f.orderResult, f.orderErr
}

func (f *fakeExchange) ClosePosition(_ context.Context, symbol string, dir domain.Direction, _ float64) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("ClosePosition")
	f.closes = append(f.closes, domain.PositionKey{Symbol: symbol, Direction: dir})
	return f.closeResult, nil
}

func (f *fakeExchange) PlaceStopOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PlaceStopOrder")
	return domain.OrderResult{Success: true, OrderID: "stop"}, nil
}

func (f *fakeExchange) PlaceTrailingStopOrder(context.Context, domain.OrderRequest, float64, float64) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("PlaceTrailingStopOrder")
	return domain.OrderResult{Success: true, OrderID: "trail"}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("CancelOrder")
	return nil
}

func (f *fakeExchange) EmergencyCloseAll(context.Context) (domain.CloseAllResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("EmergencyCloseAll")
	return f.closeAll, nil
}

type fakeTrailing struct {
	mu        sync.Mutex
	tracked   []trailing.TrackRequest
	untracked []string
}

func (f *fakeTrailing) Track(_ context.Context, req trailing.TrackRequest) (domain.TrailingStopState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, req)
	return domain.TrailingStopState{PositionID: req.PositionID}, nil
}

func (f *fakeTrailing) Untrack(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untracked = append(f.untracked, id)
}

type fakeReconciler struct {
	result    reconcile.Result
	calls     int
	autoClose bool
}

func (f *fakeReconciler) Reconcile(context.Context) (reconcile.Result, error) {
	f.calls++
	return f.result, nil
}

func (f *fakeReconciler) SetAutoClose(v bool) { f.autoClose = v }

type memAudit struct {
	mu      sync.Mutex
	entries []string
	details []map[string]any
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, event)
	m.details = append(m.details, detail)
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	trades []domain.ExecutedTrade
}

func (m *memRecorder) Insert(_ context.Context, t domain.ExecutedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

type memArchiver struct {
	mu     sync.Mutex
	days   []time.Time
	counts []int
}

func (m *memArchiver) ArchiveDay(_ context.Context, day time.Time, trades []domain.ExecutedTrade) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days = append(m.days, day)
	m.counts = append(m.counts, len(trades))
	return "archive/" + day.Format(time.DateOnly) + ".jsonl", nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	bridge     *Bridge
	ledger     *ledger.Ledger
	ex         *fakeExchange
	trailing   *fakeTrailing
	reconciler *fakeReconciler
	audit      *memAudit
	recorder   *memRecorder
	archiver   *memArchiver
	clock      *clock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(mode domain.ExecutionMode) Config {
	return Config{
		Mode:                   mode,
		TradingMode:            domain.TradingFutures,
		MaxConcurrentPositions: 5,
		MaxDailyTrades:         20,
		MaxPositionSizeUSD:     500,
		MaxTotalExposureUSD:    2000,
		MaxLossPerDayUSD:       100,
		DedupTTL:               10 * time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.New(ledger.Config{
			InitialBalance:   10000,
			DefaultMarginUSD: 100,
			DefaultLeverage:  10,
			MaxPositions:     10,
		}, discardLogger()),
		ex:         newFakeExchange(),
		trailing:   &fakeTrailing{},
		reconciler: &fakeReconciler{},
		audit:      &memAudit{},
		recorder:   &memRecorder{},
		archiver:   &memArchiver{},
		clock:      &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	b, err := New(cfg, Deps{
		Ledger:     h.ledger,
		Exchange:   h.ex,
		Trailing:   h.trailing,
		Reconciler: h.reconciler,
		Recorder:   h.recorder,
		Audit:      h.audit,
		Archiver:   h.archiver,
	}, discardLogger())
	require.NoError(t, err)
	b.now = h.clock.Now
	b.started = h.clock.Now()
	b.stats.DayStart = utcDay(h.clock.Now())
	h.bridge = b
	return h
}

func longSignal(id, symbol string, price float64) domain.Signal {
	return domain.Signal{ID: id, Symbol: symbol, Direction: domain.DirectionLong, Price: price}
}

// drainEvents returns every event queued so far.
func drainEvents(b *Bridge) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-b.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
