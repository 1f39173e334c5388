package domain

import "time"

// BridgeStats are the bridge counters. The Daily* fields reset at each UTC
// day boundary.
type BridgeStats struct {
	SignalsReceived int       `json:"signals_received"`
	SignalsAccepted int       `json:"signals_accepted"`
	SignalsRejected int       `json:"signals_rejected"`
	TradesExecuted  int       `json:"trades_executed"`
	TradesFailed    int       `json:"trades_failed"`
	OpenPositions   int       `json:"open_positions"`
	DailyPnL        float64   `json:"daily_pnl"`
	DailyTrades     int       `json:"daily_trades"`
	LastReconcile   time.Time `json:"last_reconcile"`
	OrphanCount     int       `json:"orphan_count"`
	DayStart        time.Time `json:"day_start"`
	EventsDropped   int       `json:"events_dropped"`
}
