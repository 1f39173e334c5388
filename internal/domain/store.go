package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists executed trade records.
type TradeStore interface {
	Insert(ctx context.Context, trade ExecutedTrade) error
	ListRecent(ctx context.Context, opts ListOpts) ([]ExecutedTrade, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]ExecutedTrade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
