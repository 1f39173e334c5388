// Package exchange defines the exchange client contract used by the bridge,
// the pre-trade safety gate, and a signed REST adapter for USD-margined
// perpetual futures.
package exchange

import (
	"context"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// Client is everything the bridge, trailing manager and reconciler need from
// an exchange. Order placement reports trading failures through
// domain.OrderResult; a non-nil error is only returned for misuse such as
// calling an order method before Initialize succeeded.
type Client interface {
	// Initialize verifies credentials and that trading is allowed.
	Initialize(ctx context.Context) error
	// Ready reports whether Initialize succeeded.
	Ready() bool
	// ValidateOrder applies the safety gate without any network effect.
	ValidateOrder(req domain.OrderRequest, currentPrice float64) error

	GetBalance(ctx context.Context) ([]domain.Balance, error)
	GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// SetLeverage sets symbol leverage capped to the configured maximum and
	// returns the leverage actually applied.
	SetLeverage(ctx context.Context, symbol string, leverage int) (int, error)
	PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	// ClosePosition reduces the position in direction dir. A zero qty closes
	// the full size reported by the exchange.
	ClosePosition(ctx context.Context, symbol string, dir domain.Direction, qty float64) (domain.OrderResult, error)
	// PlaceStopOrder places a reduce-only stop-market at req.Price.
	PlaceStopOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	// PlaceTrailingStopOrder places a reduce-only exchange-managed trailing
	// stop. A zero activationPrice arms it immediately.
	PlaceTrailingStopOrder(ctx context.Context, req domain.OrderRequest, activationPrice, callbackRate float64) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	EmergencyCloseAll(ctx context.Context) (domain.CloseAllResult, error)
}
