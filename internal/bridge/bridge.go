// Package bridge turns trading signals into ledger positions and, depending
// on the execution mode, exchange orders. It owns the safety limits, the
// daily counters, the executed-trade log and the ledger-to-exchange order id
// mapping.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
	"github.com/alanyoungcy/execbridge/internal/reconcile"
	"github.com/alanyoungcy/execbridge/internal/trailing"
)

// Ledger is the position ledger the bridge forwards accepted signals to.
type Ledger interface {
	ProcessSignal(ctx context.Context, sig domain.Signal) domain.LedgerDecision
	Positions() []domain.Position
	Get(id string) (domain.Position, bool)
	UpdatePrices(ctx context.Context, prices map[string]float64) []domain.ClosedPosition
	Close(ctx context.Context, id string, price float64, reason domain.CloseReason) (domain.ClosedPosition, bool)
	Discard(ctx context.Context, id string) bool
	EffectiveMargin(sig domain.Signal) float64
}

// Trailing manages exchange-side protective stops of live positions.
type Trailing interface {
	Track(ctx context.Context, req trailing.TrackRequest) (domain.TrailingStopState, error)
	Untrack(ctx context.Context, positionID string)
}

// Reconciler diffs ledger and exchange positions.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
	SetAutoClose(v bool)
}

// Recorder persists executed trades.
type Recorder interface {
	Insert(ctx context.Context, trade domain.ExecutedTrade) error
}

// Auditor appends to the audit log.
type Auditor interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// LiveGuard is consulted before the bridge starts trading real money, e.g.
// to hold a single-instance lock. It must be idempotent.
type LiveGuard interface {
	AcquireLive(ctx context.Context) error
}

// Deps are the bridge collaborators. Ledger is required. Exchange and
// Trailing serve real-money opens and the closes of positions opened that
// way; Reconciler runs in real-money mode only. The rest are optional.
type Deps struct {
	Ledger     Ledger
	Exchange   exchange.Client
	Trailing   Trailing
	Reconciler Reconciler
	Recorder   Recorder
	Audit      Auditor
	Archiver   domain.Archiver
	Guard      LiveGuard
	Observers  []Observer
}

// Action is the outcome class of ProcessSignal.
type Action string

const (
	ActionExecuted Action = "executed"
	ActionRejected Action = "rejected"
	ActionError    Action = "error"
)

// ProcessResult is returned by ProcessSignal.
type ProcessResult struct {
	Action Action                `json:"action"`
	Reason string                `json:"reason,omitempty"`
	Trade  *domain.ExecutedTrade `json:"trade,omitempty"`
}

// Bridge is the execution bridge. Mutable state is guarded by mu and no
// network call is made while holding it.
type Bridge struct {
	deps    Deps
	logger  *slog.Logger
	now     func() time.Time
	events  chan domain.Event
	dedup   *Dedup
	started time.Time

	// reconfMu serializes Reconfigure, which may initialize the exchange.
	reconfMu sync.Mutex
	// openMu serializes ProcessSignal so every limit check sees the
	// counters of all earlier opens, including their exchange round trip.
	openMu sync.Mutex
	bg       sync.WaitGroup

	mu        sync.Mutex
	cfg       Config
	stats     domain.BridgeStats
	trades    []domain.ExecutedTrade // newest last, capped at cfg.TradeLogSize
	dayTrades []domain.ExecutedTrade
	orderIDs  map[string]string // ledger position id -> exchange order id
}

// New validates cfg and creates a Bridge.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if deps.Ledger == nil {
		return nil, errors.New("bridge: ledger is required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.TradeLogSize <= 0 {
		cfg.TradeLogSize = 1000
	}
	b := &Bridge{
		deps:     deps,
		logger:   logger.With(slog.String("component", "bridge")),
		now:      time.Now,
		events:   make(chan domain.Event, cfg.EventBuffer),
		dedup:    NewDedup(cfg.DedupTTL),
		cfg:      cfg,
		orderIDs: make(map[string]string),
	}
	b.started = b.now()
	b.stats.DayStart = utcDay(b.started)
	return b, nil
}

// Initialize brings up the exchange client when running with real money.
// Any failure downgrades the bridge to log-only mode; it never fails.
func (b *Bridge) Initialize(ctx context.Context) error {
	cfg := b.Config()
	if b.deps.Reconciler != nil {
		b.deps.Reconciler.SetAutoClose(cfg.AutoCloseOrphans)
	}
	if cfg.Mode != domain.ModeRealMoney {
		b.logger.InfoContext(ctx, "bridge: initialized", slog.String("mode", string(cfg.Mode)))
		return nil
	}

	var err error
	if b.deps.Exchange == nil {
		err = fmt.Errorf("no exchange client configured: %w", domain.ErrInvalidConfig)
	} else if b.deps.Guard != nil {
		err = b.deps.Guard.AcquireLive(ctx)
	}
	if err == nil {
		err = b.deps.Exchange.Initialize(ctx)
	}
	if err != nil {
		reason := exchange.SafeMessage(err)
		b.mu.Lock()
		b.cfg.Mode = domain.ModeLogOnly
		b.mu.Unlock()
		b.logger.WarnContext(ctx, "bridge: exchange unavailable, downgraded to log_only",
			slog.String("error", reason),
		)
		b.emit(domain.EventModeDowngraded, "real_money unavailable, running log_only", map[string]any{
			"from":   string(domain.ModeRealMoney),
			"to":     string(domain.ModeLogOnly),
			"reason": reason,
		})
		return nil
	}
	b.logger.InfoContext(ctx, "bridge: initialized", slog.String("mode", string(cfg.Mode)))
	return nil
}

// ProcessSignal runs a signal through the filters and the ledger and, when
// accepted, executes the opening trade.
func (b *Bridge) ProcessSignal(ctx context.Context, sig domain.Signal) ProcessResult {
	now := b.now()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}

	b.openMu.Lock()
	defer b.openMu.Unlock()
	open := b.deps.Ledger.Positions()
	margin := b.deps.Ledger.EffectiveMargin(sig)

	b.mu.Lock()
	reset := b.resetIfNewDayLocked(now)
	b.stats.SignalsReceived++
	cfg := b.cfg
	reason := b.filterLocked(cfg, sig, margin, open)
	if reason != "" {
		b.stats.SignalsRejected++
	}
	b.mu.Unlock()
	b.afterReset(ctx, reset)

	if reason != "" {
		return b.rejected(ctx, sig, reason)
	}

	dec := b.deps.Ledger.ProcessSignal(ctx, sig)
	if !dec.Accepted || dec.Position == nil {
		b.mu.Lock()
		b.stats.SignalsRejected++
		b.mu.Unlock()
		return b.rejected(ctx, sig, dec.Reason)
	}

	b.mu.Lock()
	b.stats.SignalsAccepted++
	b.mu.Unlock()

	pos := *dec.Position
	trade, err := b.executeTrade(ctx, cfg.Mode, sig, pos, domain.ActionOpen)
	if !trade.Success {
		// Nothing was opened on the exchange; keep the ledger in step.
		b.deps.Ledger.Discard(ctx, pos.ID)
		if err != nil {
			return ProcessResult{Action: ActionError, Reason: err.Error(), Trade: &trade}
		}
		return ProcessResult{Action: ActionError, Reason: trade.Error, Trade: &trade}
	}

	if cfg.Mode == domain.ModeRealMoney && b.deps.Trailing != nil {
		price := trade.Price
		if price <= 0 {
			price = pos.EntryPrice
		}
		if _, err := b.deps.Trailing.Track(ctx, trailing.TrackRequest{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Direction:   pos.Direction,
			EntryPrice:  price,
			Quantity:    trade.Quantity,
			Leverage:    pos.Leverage,
			InitialStop: pos.StopPrice,
		}); err != nil {
			b.logger.WarnContext(ctx, "bridge: trailing not armed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ProcessResult{Action: ActionExecuted, Trade: &trade}
}

// filterLocked applies the bridge limits. margin is what the ledger would
// commit for sig. Caller holds b.mu.
func (b *Bridge) filterLocked(cfg Config, sig domain.Signal, margin float64, open []domain.Position) string {
	if b.dedup.IsDuplicate(sig.ID) {
		return "duplicate signal"
	}
	if sig.Direction == domain.DirectionShort && cfg.longOnly() {
		return "short signals rejected: long-only mode"
	}
	if cfg.MaxDailyTrades > 0 && b.stats.DailyTrades >= cfg.MaxDailyTrades {
		return fmt.Sprintf("Daily trade limit reached (%d)", cfg.MaxDailyTrades)
	}
	if cfg.MaxLossPerDayUSD > 0 && b.stats.DailyPnL <= -cfg.MaxLossPerDayUSD {
		return fmt.Sprintf("Daily loss limit reached (%.2f USD)", cfg.MaxLossPerDayUSD)
	}
	if cfg.MaxConcurrentPositions > 0 && len(open) >= cfg.MaxConcurrentPositions {
		return fmt.Sprintf("Max concurrent positions reached (%d)", cfg.MaxConcurrentPositions)
	}
	if cfg.MaxPositionSizeUSD > 0 && margin > cfg.MaxPositionSizeUSD {
		return fmt.Sprintf("Position size %.2f exceeds max %.2f USD", margin, cfg.MaxPositionSizeUSD)
	}
	if cfg.MaxTotalExposureUSD > 0 {
		exposure := margin
		for _, p := range open {
			exposure += p.MarginUsed
		}
		if exposure > cfg.MaxTotalExposureUSD {
			return fmt.Sprintf("Total exposure %.2f would exceed max %.2f USD", exposure, cfg.MaxTotalExposureUSD)
		}
	}
	return ""
}

func (b *Bridge) rejected(ctx context.Context, sig domain.Signal, reason string) ProcessResult {
	b.logger.InfoContext(ctx, "bridge: signal rejected",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("direction", string(sig.Direction)),
		slog.String("reason", reason),
	)
	b.emit(domain.EventSignalRejected, reason, map[string]any{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"direction": string(sig.Direction),
	})
	return ProcessResult{Action: ActionRejected, Reason: reason}
}

// executeTrade performs one open or close in the given mode and records it.
// Only misuse of the exchange client is returned as an error; every other
// failure is reported through the trade's Success and Error fields.
func (b *Bridge) executeTrade(ctx context.Context, mode domain.ExecutionMode, sig domain.Signal, pos domain.Position, action domain.TradeAction) (domain.ExecutedTrade, error) {
	trade := b.newTrade(mode, sig.ID, pos, action)

	var misuse error
	switch mode {
	case domain.ModeRealMoney:
		misuse = b.executeLive(ctx, &trade, sig, pos)
	default:
		trade.Success = true
	}
	b.record(ctx, trade)
	return trade, misuse
}

func (b *Bridge) newTrade(mode domain.ExecutionMode, signalID string, pos domain.Position, action domain.TradeAction) domain.ExecutedTrade {
	trade := domain.ExecutedTrade{
		ID:         uuid.NewString(),
		Timestamp:  b.now().UTC(),
		SignalID:   signalID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Action:     action,
		Quantity:   pos.Quantity(),
		Price:      pos.EntryPrice,
		Leverage:   pos.Leverage,
		Mode:       mode,
	}
	if action == domain.ActionClose {
		trade.Price = pos.CurrentPrice
	}
	return trade
}

func (b *Bridge) executeLive(ctx context.Context, trade *domain.ExecutedTrade, sig domain.Signal, pos domain.Position) error {
	ex := b.deps.Exchange
	if ex == nil {
		trade.Error = "no exchange client configured"
		return nil
	}

	var (
		res domain.OrderResult
		err error
	)
	if trade.Action == domain.ActionOpen {
		price := sig.Price
		if price <= 0 {
			price = pos.EntryPrice
		}
		req := domain.OrderRequest{
			Symbol:   pos.Symbol,
			Side:     domain.EntrySide(pos.Direction),
			Quantity: trade.Quantity,
			Leverage: pos.Leverage,
			Price:    price,
		}
		if verr := ex.ValidateOrder(req, price); verr != nil {
			trade.Error = verr.Error()
			return nil
		}
		res, err = ex.PlaceMarketOrder(ctx, req)
	} else {
		res, err = ex.ClosePosition(ctx, pos.Symbol, pos.Direction, 0)
	}
	if err != nil {
		trade.Error = exchange.SafeMessage(err)
		if errors.Is(err, domain.ErrNotInitialized) {
			return err
		}
		return nil
	}

	trade.Success = res.Success
	trade.Error = res.Error
	trade.OrderID = res.OrderID
	if res.FilledPrice > 0 {
		trade.Price = res.FilledPrice
	}
	if res.Success {
		b.mu.Lock()
		if trade.Action == domain.ActionOpen {
			b.orderIDs[pos.ID] = res.OrderID
		} else {
			delete(b.orderIDs, pos.ID)
		}
		b.mu.Unlock()
	}
	return nil
}

// record appends trade to the log, updates counters, persists it and
// notifies observers.
func (b *Bridge) record(ctx context.Context, trade domain.ExecutedTrade) {
	b.mu.Lock()
	b.trades = append(b.trades, trade)
	if over := len(b.trades) - b.cfg.TradeLogSize; over > 0 {
		b.trades = append([]domain.ExecutedTrade(nil), b.trades[over:]...)
	}
	b.dayTrades = append(b.dayTrades, trade)
	if trade.Success {
		b.stats.TradesExecuted++
		if trade.Action == domain.ActionOpen {
			b.stats.DailyTrades++
		}
	} else {
		b.stats.TradesFailed++
	}
	b.mu.Unlock()

	attrs := []any{
		slog.String("trade_id", trade.ID),
		slog.String("position_id", trade.PositionID),
		slog.String("symbol", trade.Symbol),
		slog.String("direction", string(trade.Direction)),
		slog.String("action", string(trade.Action)),
		slog.String("mode", string(trade.Mode)),
		slog.Float64("quantity", trade.Quantity),
		slog.Float64("price", trade.Price),
	}
	detail := map[string]any{
		"trade_id":    trade.ID,
		"position_id": trade.PositionID,
		"symbol":      trade.Symbol,
		"direction":   string(trade.Direction),
		"action":      string(trade.Action),
		"mode":        string(trade.Mode),
		"quantity":    trade.Quantity,
		"price":       trade.Price,
		"order_id":    trade.OrderID,
	}
	if trade.Success {
		b.logger.InfoContext(ctx, "bridge: trade executed", attrs...)
		b.emit(domain.EventTradeExecuted, fmt.Sprintf("%s %s %s", trade.Action, trade.Direction, trade.Symbol), detail)
	} else {
		b.logger.ErrorContext(ctx, "bridge: trade failed", append(attrs, slog.String("error", trade.Error))...)
		detail["error"] = trade.Error
		b.emit(domain.EventTradeFailed, trade.Error, detail)
	}

	if b.deps.Recorder != nil {
		if err := b.deps.Recorder.Insert(ctx, trade); err != nil {
			b.logger.WarnContext(ctx, "bridge: persist trade failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Config returns the active configuration.
func (b *Bridge) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Mode returns the active execution mode.
func (b *Bridge) Mode() domain.ExecutionMode {
	return b.Config().Mode
}

// Stats returns a snapshot of the counters.
func (b *Bridge) Stats() domain.BridgeStats {
	open := len(b.deps.Ledger.Positions())
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.OpenPositions = open
	return s
}

// Status summarizes the bridge for the control API.
func (b *Bridge) Status() domain.BotStatus {
	stats := b.Stats()
	cfg := b.Config()
	return domain.BotStatus{
		Mode:          cfg.Mode,
		TradingMode:   cfg.TradingMode,
		UptimeSeconds: int64(b.now().Sub(b.started).Seconds()),
		OpenPositions: stats.OpenPositions,
		Stats:         stats,
	}
}

// Positions returns the ledger's open positions.
func (b *Bridge) Positions() []domain.Position {
	return b.deps.Ledger.Positions()
}

// Trades returns up to limit most recent trades, newest first. A
// non-positive limit returns the whole retained log.
func (b *Bridge) Trades(limit int) []domain.ExecutedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.ExecutedTrade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.trades[i])
	}
	return out
}

// OrderID returns the exchange order id that opened a ledger position.
func (b *Bridge) OrderID(positionID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.orderIDs[positionID]
	return id, ok
}

// Wait blocks until background archive uploads have finished.
func (b *Bridge) Wait() {
	b.bg.Wait()
}
