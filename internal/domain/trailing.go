package domain

import "time"

// TrailingMode selects how a profitable position's stop is moved.
type TrailingMode string

const (
	TrailingNative TrailingMode = "native"
	TrailingManual TrailingMode = "manual"
	TrailingHybrid TrailingMode = "hybrid"
)

// Valid reports whether m is a known trailing mode.
func (m TrailingMode) Valid() bool {
	switch m {
	case TrailingNative, TrailingManual, TrailingHybrid:
		return true
	}
	return false
}

// TrailLevel is one step of the manual trailing ladder: once ROI reaches
// TriggerROI the stop is moved to the price that locks StopROI.
type TrailLevel struct {
	TriggerROI float64 `json:"trigger_roi_percent" toml:"trigger_roi_percent"`
	StopROI    float64 `json:"stop_roi_percent" toml:"stop_roi_percent"`
}

// TrailingStopState is the per-position state shared by all trailing modes.
type TrailingStopState struct {
	PositionID    string       `json:"position_id"`
	Symbol        string       `json:"symbol"`
	Direction     Direction    `json:"direction"`
	EntryPrice    float64      `json:"entry_price"`
	Quantity      float64      `json:"quantity"`
	Leverage      int          `json:"leverage"`
	PeakPrice     float64      `json:"peak_price"`
	TroughPrice   float64      `json:"trough_price"`
	StopPrice     float64      `json:"stop_price"`
	Active        bool         `json:"active"`
	Level         int          `json:"level"`
	StopOrderID   string       `json:"stop_order_id,omitempty"`
	Mode          TrailingMode `json:"mode"`
	NativeOrderID string       `json:"native_order_id,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// MoreProtective reports whether candidate locks in more profit than
// current for direction d. A zero current stop is always improved upon.
func MoreProtective(d Direction, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if d == DirectionShort {
		return candidate < current
	}
	return candidate > current
}
