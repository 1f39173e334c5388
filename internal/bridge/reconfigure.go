package bridge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
)

// Reconfigure applies patch as a whole. Entering real-money mode requires
// confirmToken to equal ConfirmRealMoneyToken and a working exchange client;
// otherwise nothing changes. Open positions, the order id mapping and the
// counters are kept as they are.
func (b *Bridge) Reconfigure(ctx context.Context, patch Patch, confirmToken string) (Config, error) {
	b.reconfMu.Lock()
	defer b.reconfMu.Unlock()

	before := b.Config()
	if patch.Empty() {
		return before, ErrEmptyPatch
	}
	next := patch.apply(before)
	// Sizing of the internal buffers is fixed at construction.
	next.EventBuffer = before.EventBuffer
	next.TradeLogSize = before.TradeLogSize
	next.DedupTTL = before.DedupTTL
	if err := next.Validate(); err != nil {
		return before, fmt.Errorf("bridge: reconfigure: %w", err)
	}

	if next.Mode == domain.ModeRealMoney && before.Mode != domain.ModeRealMoney {
		if subtle.ConstantTimeCompare([]byte(confirmToken), []byte(ConfirmRealMoneyToken)) != 1 {
			b.logger.WarnContext(ctx, "bridge: real_money switch refused without confirmation")
			return before, fmt.Errorf("bridge: reconfigure: %w", domain.ErrConfirmationRequired)
		}
		if b.deps.Exchange == nil {
			return before, fmt.Errorf("bridge: reconfigure: no exchange client configured: %w", domain.ErrInvalidConfig)
		}
		if b.deps.Guard != nil {
			if err := b.deps.Guard.AcquireLive(ctx); err != nil {
				return before, fmt.Errorf("bridge: reconfigure: %w", err)
			}
		}
		if !b.deps.Exchange.Ready() {
			if err := b.deps.Exchange.Initialize(ctx); err != nil {
				return before, fmt.Errorf("bridge: reconfigure: %w: %s", ErrExchangeUnavailable, exchange.SafeMessage(err))
			}
		}
	}

	b.mu.Lock()
	b.cfg = next
	b.mu.Unlock()

	if b.deps.Reconciler != nil {
		b.deps.Reconciler.SetAutoClose(next.AutoCloseOrphans)
	}

	b.logger.InfoContext(ctx, "bridge: reconfigured",
		slog.String("mode", string(next.Mode)),
		slog.String("previous_mode", string(before.Mode)),
	)
	b.audit(ctx, "config_changed", map[string]any{
		"before": before.auditView(),
		"after":  next.auditView(),
	})
	if next.Mode != before.Mode {
		b.emit(domain.EventModeChanged, fmt.Sprintf("mode %s -> %s", before.Mode, next.Mode), map[string]any{
			"from": string(before.Mode),
			"to":   string(next.Mode),
		})
	}
	return next, nil
}
