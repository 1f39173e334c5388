package bridge

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
	"github.com/alanyoungcy/execbridge/internal/reconcile"
)

// OnPriceTick marks the ledger to prices and mirrors every stop, target or
// trailing exit it produces. It returns the close trades.
func (b *Bridge) OnPriceTick(ctx context.Context, prices map[string]float64) []domain.ExecutedTrade {
	b.mu.Lock()
	reset := b.resetIfNewDayLocked(b.now())
	mode := b.cfg.Mode
	b.mu.Unlock()
	b.afterReset(ctx, reset)

	closed := b.deps.Ledger.UpdatePrices(ctx, prices)
	trades := make([]domain.ExecutedTrade, 0, len(closed))
	for _, cp := range closed {
		trades = append(trades, b.finishClose(ctx, mode, cp))
	}
	return trades
}

// ForceClose closes one ledger position at its last mark, mirroring on the
// exchange when the position was opened there. Unknown ids return false.
func (b *Bridge) ForceClose(ctx context.Context, positionID string, reason domain.CloseReason) (*domain.ExecutedTrade, bool) {
	if reason == "" {
		reason = domain.CloseReasonManual
	}
	mode := b.Mode()
	cp, ok := b.deps.Ledger.Close(ctx, positionID, 0, reason)
	if !ok {
		return nil, false
	}
	trade := b.finishClose(ctx, mode, cp)
	return &trade, true
}

// closeMode is the mode a close of positionID runs in. It follows how the
// position was opened, not the current mode: a position opened on the
// exchange is closed there even after leaving real money, and one opened
// while simulating is only closed in the ledger.
func (b *Bridge) closeMode(current domain.ExecutionMode, positionID string) domain.ExecutionMode {
	b.mu.Lock()
	_, live := b.orderIDs[positionID]
	b.mu.Unlock()
	switch {
	case live:
		return domain.ModeRealMoney
	case current == domain.ModeRealMoney:
		return domain.ModePaperMirror
	default:
		return current
	}
}

func (b *Bridge) finishClose(ctx context.Context, current domain.ExecutionMode, cp domain.ClosedPosition) domain.ExecutedTrade {
	mode := b.closeMode(current, cp.ID)
	if mode == domain.ModeRealMoney && b.deps.Trailing != nil {
		b.deps.Trailing.Untrack(ctx, cp.ID)
	}
	pos := cp.Position
	pos.CurrentPrice = cp.ExitPrice
	trade, err := b.executeTrade(ctx, mode, domain.Signal{ID: cp.SignalID}, pos, domain.ActionClose)
	if err != nil {
		b.logger.ErrorContext(ctx, "bridge: close not sent", slog.String("position_id", cp.ID), slog.String("error", err.Error()))
	}

	b.mu.Lock()
	b.stats.DailyPnL += cp.RealizedPnL
	if !trade.Success {
		// The exchange may still hold it; reconciliation reports the drift.
		delete(b.orderIDs, cp.ID)
	}
	b.mu.Unlock()
	return trade
}

// EmergencyCloseAll closes every ledger position. The exchange is flattened
// too when trading real money or while any position opened there is still
// held. With nothing open it returns {0, 0}.
func (b *Bridge) EmergencyCloseAll(ctx context.Context) domain.CloseAllResult {
	current := b.Mode()
	positions := b.deps.Ledger.Positions()

	modes := make(map[string]domain.ExecutionMode, len(positions))
	anyLive := false
	for _, p := range positions {
		modes[p.ID] = b.closeMode(current, p.ID)
		if modes[p.ID] == domain.ModeRealMoney {
			anyLive = true
		}
	}

	var res domain.CloseAllResult
	exchOK, exchError, exchClosed := true, "", 0
	if (current == domain.ModeRealMoney || anyLive) && b.deps.Exchange != nil {
		if b.deps.Trailing != nil {
			for _, p := range positions {
				if modes[p.ID] == domain.ModeRealMoney {
					b.deps.Trailing.Untrack(ctx, p.ID)
				}
			}
		}
		exRes, err := b.deps.Exchange.EmergencyCloseAll(ctx)
		if err != nil {
			exchOK = false
			exchError = exchange.SafeMessage(err)
		} else if exRes.Failed > 0 {
			exchOK = false
			exchError = "emergency close incomplete on exchange"
		}
		res.Failed = exRes.Failed
		exchClosed = exRes.Closed
	} else if anyLive {
		exchOK = false
		exchError = "no exchange client configured"
	}

	for _, p := range positions {
		cp, ok := b.deps.Ledger.Close(ctx, p.ID, 0, domain.CloseReasonEmergency)
		if !ok {
			continue
		}
		pos := cp.Position
		pos.CurrentPrice = cp.ExitPrice
		mode, found := modes[cp.ID]
		if !found {
			mode = b.closeMode(current, cp.ID)
		}
		trade := b.newTrade(mode, cp.SignalID, pos, domain.ActionClose)
		trade.Success = true
		if mode == domain.ModeRealMoney {
			trade.Success = exchOK
			trade.Error = exchError
		}
		b.record(ctx, trade)

		b.mu.Lock()
		b.stats.DailyPnL += cp.RealizedPnL
		delete(b.orderIDs, cp.ID)
		b.mu.Unlock()
		res.Closed++
	}
	// The exchange may also have closed positions the ledger never knew.
	if exchClosed > res.Closed {
		res.Closed = exchClosed
	}

	b.logger.WarnContext(ctx, "bridge: emergency close",
		slog.String("mode", string(current)),
		slog.Bool("exchange", current == domain.ModeRealMoney || anyLive),
		slog.Int("closed", res.Closed),
		slog.Int("failed", res.Failed),
	)
	detail := map[string]any{"mode": string(current), "closed": res.Closed, "failed": res.Failed}
	b.emit(domain.EventEmergencyClose, "emergency close all", detail)
	b.audit(ctx, "emergency_close", detail)
	return res
}

// Reconcile runs one reconciliation pass. Outside real-money mode it does
// nothing and returns nil.
func (b *Bridge) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	if b.Mode() != domain.ModeRealMoney || b.deps.Reconciler == nil {
		return nil, nil
	}
	res, err := b.deps.Reconciler.Reconcile(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "bridge: reconcile failed", slog.String("error", exchange.SafeMessage(err)))
		return nil, err
	}

	b.mu.Lock()
	b.stats.LastReconcile = res.At
	b.stats.OrphanCount = res.Orphaned
	b.mu.Unlock()

	if res.Drift() {
		b.emit(domain.EventReconcileDrift, "ledger and exchange positions differ", map[string]any{
			"matched":        res.Matched,
			"orphaned":       res.Orphaned,
			"missing":        res.Missing,
			"closed_orphans": res.ClosedOrphans,
		})
	}
	return &res, nil
}

func (b *Bridge) audit(ctx context.Context, event string, detail map[string]any) {
	if b.deps.Audit == nil {
		return
	}
	if err := b.deps.Audit.Log(ctx, event, detail); err != nil {
		b.logger.WarnContext(ctx, "bridge: audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
