package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// ConfirmRealMoneyToken must accompany any reconfiguration that switches the
// bridge into real-money mode.
const ConfirmRealMoneyToken = "I-ACCEPT-REAL-MONEY-RISK"

// Config holds the bridge safety limits. Position sizes and exposure are in
// USD of margin committed. A zero limit disables that check.
type Config struct {
	Mode                   domain.ExecutionMode `json:"mode"`
	TradingMode            domain.TradingMode   `json:"trading_mode"`
	LongOnly               bool                 `json:"long_only"`
	MaxConcurrentPositions int                  `json:"max_concurrent_positions"`
	MaxDailyTrades         int                  `json:"max_daily_trades"`
	MaxPositionSizeUSD     float64              `json:"max_position_size_usd"`
	MaxTotalExposureUSD    float64              `json:"max_total_exposure_usd"`
	MaxLossPerDayUSD       float64              `json:"max_loss_per_day_usd"`
	ReconcileInterval      time.Duration        `json:"reconcile_interval"`
	AutoCloseOrphans       bool                 `json:"auto_close_orphans"`
	DedupTTL               time.Duration        `json:"dedup_ttl"`
	EventBuffer            int                  `json:"event_buffer"`
	TradeLogSize           int                  `json:"trade_log_size"`
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []string
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Sprintf("mode %q is not one of log_only, paper_mirror, real_money", c.Mode))
	}
	if c.TradingMode != domain.TradingSpot && c.TradingMode != domain.TradingFutures {
		errs = append(errs, fmt.Sprintf("trading_mode %q is not one of spot, futures", c.TradingMode))
	}
	if c.MaxConcurrentPositions < 0 {
		errs = append(errs, "max_concurrent_positions must be >= 0")
	}
	if c.MaxDailyTrades < 0 {
		errs = append(errs, "max_daily_trades must be >= 0")
	}
	if c.MaxPositionSizeUSD < 0 || c.MaxTotalExposureUSD < 0 || c.MaxLossPerDayUSD < 0 {
		errs = append(errs, "usd limits must be >= 0")
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, "reconcile_interval must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// longOnly reports whether short signals must be rejected.
func (c Config) longOnly() bool {
	return c.LongOnly || c.TradingMode == domain.TradingSpot
}

func (c Config) auditView() map[string]any {
	return map[string]any{
		"mode":                     string(c.Mode),
		"trading_mode":             string(c.TradingMode),
		"long_only":                c.LongOnly,
		"max_concurrent_positions": c.MaxConcurrentPositions,
		"max_daily_trades":         c.MaxDailyTrades,
		"max_position_size_usd":    c.MaxPositionSizeUSD,
		"max_total_exposure_usd":   c.MaxTotalExposureUSD,
		"max_loss_per_day_usd":     c.MaxLossPerDayUSD,
		"reconcile_interval":       c.ReconcileInterval.String(),
		"auto_close_orphans":       c.AutoCloseOrphans,
	}
}

// Patch is a partial update of the mutable limits. Nil fields are left
// unchanged.
type Patch struct {
	Mode                   *domain.ExecutionMode `json:"mode,omitempty"`
	TradingMode            *domain.TradingMode   `json:"trading_mode,omitempty"`
	LongOnly               *bool                 `json:"long_only,omitempty"`
	MaxConcurrentPositions *int                  `json:"max_concurrent_positions,omitempty"`
	MaxDailyTrades         *int                  `json:"max_daily_trades,omitempty"`
	MaxPositionSizeUSD     *float64              `json:"max_position_size_usd,omitempty"`
	MaxTotalExposureUSD    *float64              `json:"max_total_exposure_usd,omitempty"`
	MaxLossPerDayUSD       *float64              `json:"max_loss_per_day_usd,omitempty"`
	ReconcileInterval      *time.Duration        `json:"reconcile_interval,omitempty"`
	AutoCloseOrphans       *bool                 `json:"auto_close_orphans,omitempty"`
}

var (
	// ErrEmptyPatch is returned by Reconfigure for a patch that sets nothing.
	ErrEmptyPatch = errors.New("bridge: reconfigure: patch changes nothing")
	// ErrExchangeUnavailable is returned when real-money mode is requested
	// but the exchange client cannot be initialized.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
)

// Empty reports whether p sets no field.
func (p Patch) Empty() bool {
	return p == Patch{}
}

func (p Patch) apply(c Config) Config {
	if p.Mode != nil {
		c.Mode = *p.Mode
	}
	if p.TradingMode != nil {
		c.TradingMode = *p.TradingMode
	}
	if p.LongOnly != nil {
		c.LongOnly = *p.LongOnly
	}
	if p.MaxConcurrentPositions != nil {
		c.MaxConcurrentPositions = *p.MaxConcurrentPositions
	}
	if p.MaxDailyTrades != nil {
		c.MaxDailyTrades = *p.MaxDailyTrades
	}
	if p.MaxPositionSizeUSD != nil {
		c.MaxPositionSizeUSD = *p.MaxPositionSizeUSD
	}
	if p.MaxTotalExposureUSD != nil {
		c.MaxTotalExposureUSD = *p.MaxTotalExposureUSD
	}
	if p.MaxLossPerDayUSD != nil {
		c.MaxLossPerDayUSD = *p.MaxLossPerDayUSD
	}
	if p.ReconcileInterval != nil {
		c.ReconcileInterval = *p.ReconcileInterval
	}
	if p.AutoCloseOrphans != nil {
		c.AutoCloseOrphans = *p.AutoCloseOrphans
	}
	return c
}
