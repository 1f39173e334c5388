// Package reconcile compares the ledger's view of open positions with the
// exchange's and reports drift.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// Ledger is the read side of the position ledger.
type Ledger interface {
	Positions() []domain.Position
}

// Exchange is the part of the exchange client reconciliation needs.
type Exchange interface {
	GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error)
	ClosePosition(ctx context.Context, symbol string, dir domain.Direction, qty float64) (domain.OrderResult, error)
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Matched          int                       `json:"matched"`
	Orphaned         int                       `json:"orphaned"`
	Missing          int                       `json:"missing"`
	Orphans          []domain.ExchangePosition `json:"orphans,omitempty"`
	MissingPositions []domain.Position         `json:"missing_positions,omitempty"`
	ClosedOrphans    int                       `json:"closed_orphans"`
	At               time.Time                 `json:"at"`
}

// Drift reports whether the two sides disagree.
func (r Result) Drift() bool {
	return r.Orphaned > 0 || r.Missing > 0
}

// Service runs reconciliation passes.
type Service struct {
	ledger    Ledger
	ex        Exchange
	autoClose atomic.Bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. Orphans are only closed when autoClose is
// set; otherwise they are logged.
func NewService(ledger Ledger, ex Exchange, autoClose bool, logger *slog.Logger) *Service {
	s := &Service{
		ledger: ledger,
		ex:     ex,
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
	s.autoClose.Store(autoClose)
	return s
}

// SetAutoClose toggles closing of orphaned exchange positions.
func (s *Service) SetAutoClose(v bool) {
	s.autoClose.Store(v)
}

// Reconcile snapshots both sides and classifies every position by symbol
// and direction. Positions the ledger knows but the exchange does not are
// reported, never recreated.
func (s *Service) Reconcile(ctx context.Context) (Result, error) {
	remote, err := s.ex.GetOpenPositions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: fetch exchange positions: %w", err)
	}
	local := s.ledger.Positions()

	res := Result{At: s.now().UTC()}
	known := make(map[domain.PositionKey]bool, len(local))
	for _, p := range local {
		known[p.Key()] = true
	}
	seen := make(map[domain.PositionKey]bool, len(remote))
	for _, ep := range remote {
		seen[ep.Key()] = true
		if known[ep.Key()] {
			res.Matched++
			continue
		}
		res.Orphaned++
		res.Orphans = append(res.Orphans, ep)
	}
	for _, p := range local {
		if !seen[p.Key()] {
			res.Missing++
			res.MissingPositions = append(res.MissingPositions, p)
		}
	}

	for _, ep := range res.Orphans {
		s.logger.WarnContext(ctx, "reconcile: orphaned exchange position",
			slog.String("symbol", ep.Symbol),
			slog.String("side", string(ep.Side)),
			slog.Float64("quantity", ep.Quantity),
		)
	}
	for _, p := range res.MissingPositions {
		s.logger.WarnContext(ctx, "reconcile: ledger position missing on exchange",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("direction", string(p.Direction)),
		)
	}

	if s.autoClose.Load() {
		for _, ep := range res.Orphans {
			out, err := s.ex.ClosePosition(ctx, ep.Symbol, ep.Side, ep.Quantity)
			if err != nil || !out.Success {
				msg := out.Error
				if err != nil {
					msg = err.Error()
				}
				s.logger.ErrorContext(ctx, "reconcile: close orphan failed",
					slog.String("symbol", ep.Symbol),
					slog.String("error", msg),
				)
				continue
			}
			res.ClosedOrphans++
		}
	}

	s.logger.InfoContext(ctx, "reconcile: pass complete",
		slog.Int("matched", res.Matched),
		slog.Int("orphaned", res.Orphaned),
		slog.Int("missing", res.Missing),
		slog.Int("closed_orphans", res.ClosedOrphans),
	)
	return res, nil
}
