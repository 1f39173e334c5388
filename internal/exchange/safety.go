package exchange

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// SafetyConfig holds the pre-trade limits every opening order must pass.
type SafetyConfig struct {
	EmergencyStop      bool
	TradingEnabled     bool
	Blacklist          []string
	MaxLeverage        int
	MaxPositionSizeUSD float64
}

// ValidationError is returned by ValidateOrder. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "order rejected: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrInvalidOrder
}

// ValidateOrder checks req against the safety limits. currentPrice is used to
// value the order in USD. Reduce-only orders only need a symbol and a
// quantity: closing exposure is always allowed, even under emergency stop.
func ValidateOrder(cfg SafetyConfig, req domain.OrderRequest, currentPrice float64) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if req.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "quantity must be positive"}
	}
	if req.ReduceOnly {
		return nil
	}

	if cfg.EmergencyStop {
		return &ValidationError{Field: "emergency_stop", Reason: "emergency stop is active"}
	}
	if !cfg.TradingEnabled {
		return &ValidationError{Field: "trading_enabled", Reason: "trading is disabled"}
	}
	for _, s := range cfg.Blacklist {
		if strings.EqualFold(strings.TrimSpace(s), req.Symbol) {
			return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("symbol %s is blacklisted", req.Symbol)}
		}
	}
	if req.Leverage < 0 {
		return &ValidationError{Field: "leverage", Reason: "leverage must not be negative"}
	}
	if cfg.MaxLeverage > 0 && req.Leverage > cfg.MaxLeverage {
		return &ValidationError{Field: "leverage", Reason: fmt.Sprintf("leverage %d exceeds max %d", req.Leverage, cfg.MaxLeverage)}
	}
	if currentPrice <= 0 {
		return &ValidationError{Field: "price", Reason: "current price unavailable"}
	}
	notional := req.Quantity * currentPrice
	if cfg.MaxPositionSizeUSD > 0 && notional > cfg.MaxPositionSizeUSD {
		return &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("position size $%.2f exceeds max $%.2f", notional, cfg.MaxPositionSizeUSD),
		}
	}
	return nil
}
