package domain

import "time"

// PositionKey identifies the single open position allowed per symbol and
// direction.
type PositionKey struct {
	Symbol    string
	Direction Direction
}

// Key returns the ledger key of p.
func (p Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Direction: p.Direction}
}

// Position is a ledger-owned open position.
type Position struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	EntryPrice     float64   `json:"entry_price"`
	EntryTime      time.Time `json:"entry_time"`
	MarginUsed     float64   `json:"margin_used"`
	NotionalSize   float64   `json:"notional_size"`
	Leverage       int       `json:"leverage"`
	StopPrice      float64   `json:"stop_price"`
	TakeProfit     float64   `json:"take_profit"`
	TrailingActive bool      `json:"trailing_active"`
	TrailLevel     int       `json:"trail_level"`
	CurrentPrice   float64   `json:"current_price"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	SignalID       string    `json:"signal_id"`
}

// Quantity is the base-asset amount implied by the notional at entry.
func (p Position) Quantity() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return p.NotionalSize / p.EntryPrice
}

// CloseReason records why a position left the ledger.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonTrailing   CloseReason = "trailing_stop"
	CloseReasonManual     CloseReason = "manual"
	CloseReasonEmergency  CloseReason = "emergency"
)

// ClosedPosition is a position moved to closed state.
type ClosedPosition struct {
	Position
	ExitPrice   float64     `json:"exit_price"`
	ExitTime    time.Time   `json:"exit_time"`
	RealizedPnL float64     `json:"realized_pnl"`
	Reason      CloseReason `json:"reason"`
}

// ExchangePosition is the exchange's view of an open position. It is only
// ever built from exchange responses.
type ExchangePosition struct {
	Symbol           string    `json:"symbol"`
	Side             Direction `json:"side"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	Leverage         int       `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
}

// Key returns the ledger key the exchange position corresponds to.
func (p ExchangePosition) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Direction: p.Side}
}

// LedgerDecision is the ledger's answer to a signal. Position is set only
// when the signal was accepted.
type LedgerDecision struct {
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason,omitempty"`
	Position *Position `json:"position,omitempty"`
}
