package domain

import "time"

// ExecutionMode selects how far a decision travels.
type ExecutionMode string

const (
	ModeLogOnly     ExecutionMode = "log_only"
	ModePaperMirror ExecutionMode = "paper_mirror"
	ModeRealMoney   ExecutionMode = "real_money"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeLogOnly, ModePaperMirror, ModeRealMoney:
		return true
	}
	return false
}

// TradingMode is the market type the bridge trades.
type TradingMode string

const (
	TradingSpot    TradingMode = "spot"
	TradingFutures TradingMode = "futures"
)

// TradeAction distinguishes opening from closing executions.
type TradeAction string

const (
	ActionOpen  TradeAction = "open"
	ActionClose TradeAction = "close"
)

// ExecutedTrade is the append-only record of one execution attempt.
// Failed attempts are recorded too.
type ExecutedTrade struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	SignalID   string        `json:"signal_id"`
	PositionID string        `json:"position_id"`
	Symbol     string        `json:"symbol"`
	Direction  Direction     `json:"direction"`
	Action     TradeAction   `json:"action"`
	Quantity   float64       `json:"quantity"`
	Price      float64       `json:"price"`
	Leverage   int           `json:"leverage"`
	Mode       ExecutionMode `json:"mode"`
	OrderID    string        `json:"order_id,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}
