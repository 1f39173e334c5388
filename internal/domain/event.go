package domain

import "time"

// EventType names a bridge notification.
type EventType string

const (
	EventTradeExecuted  EventType = "trade_executed"
	EventTradeFailed    EventType = "trade_failed"
	EventSignalRejected EventType = "signal_rejected"
	EventModeChanged    EventType = "mode_changed"
	EventModeDowngraded EventType = "mode_downgraded"
	EventReconcileDrift EventType = "reconcile_drift"
	EventEmergencyClose EventType = "emergency_close"
	EventDailyReset     EventType = "daily_reset"
)

// Event is a notification emitted by the bridge to its observers.
type Event struct {
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}
