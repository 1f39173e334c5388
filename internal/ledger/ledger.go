// Package ledger is the paper-trading position ledger. It owns simulated
// positions and balance, applies stops and targets on price updates and
// walks the same trailing ladder the live manager uses.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/trailing"
)

// Config sizes paper positions.
type Config struct {
	InitialBalance   float64
	DefaultMarginUSD float64
	DefaultLeverage  int
	MaxPositions     int
	FeeRate          float64 // charged on notional at entry and exit
	Levels           []domain.TrailLevel
}

// Ledger holds at most one open position per (symbol, direction). All
// methods are safe for concurrent use.
type Ledger struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	balance  float64
	open     map[domain.PositionKey]*domain.Position
	byID     map[string]domain.PositionKey
	closed   []domain.ClosedPosition
	realized float64
}

// New creates a Ledger funded with cfg.InitialBalance.
func New(cfg Config, logger *slog.Logger) *Ledger {
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	return &Ledger{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ledger")),
		now:     time.Now,
		balance: cfg.InitialBalance,
		open:    make(map[domain.PositionKey]*domain.Position),
		byID:    make(map[string]domain.PositionKey),
	}
}

// ProcessSignal opens a paper position for sig unless one is already open
// for the same symbol and direction, or limits forbid it.
func (l *Ledger) ProcessSignal(ctx context.Context, sig domain.Signal) domain.LedgerDecision {
	if sig.Symbol == "" || !sig.Direction.Valid() {
		return reject("invalid signal: symbol and direction are required")
	}
	if sig.Price <= 0 {
		return reject("invalid signal: price must be positive")
	}

	leverage := sig.SuggestedLeverage
	if leverage < 1 {
		leverage = l.cfg.DefaultLeverage
	}
	margin := l.EffectiveMargin(sig)
	if margin <= 0 {
		return reject("invalid signal: position size must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := domain.PositionKey{Symbol: sig.Symbol, Direction: sig.Direction}
	if _, ok := l.open[key]; ok {
		return reject(fmt.Sprintf("position already open for %s %s", sig.Symbol, sig.Direction))
	}
	if l.cfg.MaxPositions > 0 && len(l.open) >= l.cfg.MaxPositions {
		return reject("ledger max positions reached")
	}
	if margin > l.balance {
		return reject(fmt.Sprintf("insufficient balance: need %.2f, have %.2f", margin, l.balance))
	}

	pos := &domain.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		EntryPrice:   sig.Price,
		EntryTime:    l.now().UTC(),
		MarginUsed:   margin,
		NotionalSize: margin * float64(leverage),
		Leverage:     leverage,
		StopPrice:    protectiveLevel(sig.Direction, sig.Price, sig.SuggestedStopLoss, true),
		TakeProfit:   protectiveLevel(sig.Direction, sig.Price, sig.SuggestedTakeProfit, false),
		CurrentPrice: sig.Price,
		SignalID:     sig.ID,
	}
	l.balance -= margin
	l.open[key] = pos
	l.byID[pos.ID] = key

	l.logger.InfoContext(ctx, "ledger: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("margin", margin),
		slog.Int("leverage", leverage),
	)
	cp := *pos
	return domain.LedgerDecision{Accepted: true, Position: &cp}
}

// EffectiveMargin is the margin ProcessSignal would commit for sig: the
// suggested size, or the configured default when the signal has none.
func (l *Ledger) EffectiveMargin(sig domain.Signal) float64 {
	if sig.SuggestedPositionSize > 0 {
		return sig.SuggestedPositionSize
	}
	return l.cfg.DefaultMarginUSD
}

// Positions returns copies of all open positions, oldest first.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	out := make([]domain.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Get returns the open position with id.
func (l *Ledger) Get(id string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byID[id]
	if !ok {
		return domain.Position{}, false
	}
	return *l.open[key], true
}

// UpdatePrices marks open positions to prices, closes those whose stop or
// target was hit and advances paper trailing stops. Symbols missing from
// prices are left alone.
func (l *Ledger) UpdatePrices(ctx context.Context, prices map[string]float64) []domain.ClosedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closed []domain.ClosedPosition
	for key, p := range l.open {
		price, ok := prices[key.Symbol]
		if !ok || price <= 0 {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = pnl(*p, price)

		if reason, hit := exitHit(*p, price); hit {
			closed = append(closed, l.closeLocked(ctx, key, price, reason))
			continue
		}

		roi := trailing.ROIPercent(p.Direction, p.EntryPrice, price, p.Leverage)
		level, stop, ok := trailing.LadderStop(l.cfg.Levels, p.Direction, p.EntryPrice, p.Leverage, roi)
		if ok && level > p.TrailLevel {
			p.TrailLevel = level
			p.TrailingActive = true
			if domain.MoreProtective(p.Direction, stop, p.StopPrice) {
				p.StopPrice = stop
			}
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID < closed[j].ID })
	return closed
}

// Close closes position id at price, or at its last mark when price is not
// positive. It reports false for unknown ids.
func (l *Ledger) Close(ctx context.Context, id string, price float64, reason domain.CloseReason) (domain.ClosedPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byID[id]
	if !ok {
		return domain.ClosedPosition{}, false
	}
	if price <= 0 {
		price = l.open[key].CurrentPrice
	}
	return l.closeLocked(ctx, key, price, reason), true
}

// Discard removes an open position that never came to exist elsewhere,
// returning its margin without recording a close.
func (l *Ledger) Discard(ctx context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byID[id]
	if !ok {
		return false
	}
	l.balance += l.open[key].MarginUsed
	delete(l.open, key)
	delete(l.byID, id)
	l.logger.InfoContext(ctx, "ledger: position discarded", slog.String("position_id", id))
	return true
}

// Closed returns up to limit most recently closed positions, newest first.
func (l *Ledger) Closed(limit int) []domain.ClosedPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.closed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ClosedPosition, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.closed[i])
	}
	return out
}

// Balance is the free paper balance; RealizedPnL the cumulative net result.
func (l *Ledger) Balance() (balance, realized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, l.realized
}

func (l *Ledger) closeLocked(ctx context.Context, key domain.PositionKey, price float64, reason domain.CloseReason) domain.ClosedPosition {
	p := l.open[key]
	delete(l.open, key)
	delete(l.byID, p.ID)

	gross := pnl(*p, price)
	exitNotional := p.Quantity() * price
	fees := (p.NotionalSize + exitNotional) * l.cfg.FeeRate
	net := gross - fees

	p.CurrentPrice = price
	p.UnrealizedPnL = 0
	cp := domain.ClosedPosition{
		Position:    *p,
		ExitPrice:   price,
		ExitTime:    l.now().UTC(),
		RealizedPnL: net,
		Reason:      reason,
	}
	l.balance += p.MarginUsed + net
	l.realized += net
	l.closed = append(l.closed, cp)

	l.logger.InfoContext(ctx, "ledger: position closed",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", price),
		slog.Float64("pnl", net),
	)
	return cp
}

func pnl(p domain.Position, price float64) float64 {
	return p.Quantity() * (price - p.EntryPrice) * p.Direction.Sign()
}

func exitHit(p domain.Position, price float64) (domain.CloseReason, bool) {
	long := p.Direction == domain.DirectionLong
	if p.StopPrice > 0 && ((long && price <= p.StopPrice) || (!long && price >= p.StopPrice)) {
		if p.TrailingActive {
			return domain.CloseReasonTrailing, true
		}
		return domain.CloseReasonStopLoss, true
	}
	if p.TakeProfit > 0 && ((long && price >= p.TakeProfit) || (!long && price <= p.TakeProfit)) {
		return domain.CloseReasonTakeProfit, true
	}
	return "", false
}

// protectiveLevel keeps a suggested stop (isStop) or target only if it lies
// on the correct side of entry.
func protectiveLevel(d domain.Direction, entry, level float64, isStop bool) float64 {
	if level <= 0 {
		return 0
	}
	below := level < entry
	if d == domain.DirectionShort {
		below = !below
	}
	if below == isStop && level != entry {
		return level
	}
	return 0
}

func reject(reason string) domain.LedgerDecision {
	return domain.LedgerDecision{Reason: reason}
}
