package domain

import "time"

// Direction is the side of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Signal is an abstract request to open a position. It is produced by an
// external strategy and consumed by the bridge.
type Signal struct {
	ID                    string    `json:"id"`
	Symbol                string    `json:"symbol"`
	Direction             Direction `json:"direction"`
	Timeframe             string    `json:"timeframe"`
	Price                 float64   `json:"price"`
	SuggestedLeverage     int       `json:"suggested_leverage"`
	SuggestedPositionSize float64   `json:"suggested_position_size"`
	SuggestedStopLoss     float64   `json:"suggested_stop_loss"`
	SuggestedTakeProfit   float64   `json:"suggested_take_profit"`
	Source                string    `json:"source,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// BotStatus is a summary of the bridge's current operational state.
type BotStatus struct {
	Mode          ExecutionMode `json:"mode"`
	TradingMode   TradingMode   `json:"trading_mode"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	OpenPositions int           `json:"open_positions"`
	Stats         BridgeStats   `json:"stats"`
}
