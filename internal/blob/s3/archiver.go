package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// multipartThreshold is the archive size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// TradeArchiver implements domain.Archiver. Each finished UTC day becomes
// one JSONL object at <prefix>/YYYY-MM-DD.jsonl.
type TradeArchiver struct {
	writer domain.BlobWriter
	prefix string
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeArchiver creates a TradeArchiver. audit may be nil.
func NewTradeArchiver(writer domain.BlobWriter, prefix string, audit domain.AuditStore, logger *slog.Logger) *TradeArchiver {
	return &TradeArchiver{
		writer: writer,
		prefix: strings.Trim(prefix, "/"),
		audit:  audit,
		logger: logger.With(slog.String("component", "trade_archiver")),
	}
}

// ArchiveDay uploads the day's trades and returns the object key. An empty
// day uploads nothing and returns "".
func (a *TradeArchiver) ArchiveDay(ctx context.Context, day time.Time, trades []domain.ExecutedTrade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := archivePath(a.prefix, day)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), NDJSONContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive upload: %w", err)
	}

	a.logger.InfoContext(ctx, "trades archived",
		slog.String("key", key),
		slog.Int("count", len(trades)),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive_trades", map[string]any{
			"key":   key,
			"count": len(trades),
			"day":   day.UTC().Format(time.DateOnly),
		}); err != nil {
			return key, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return key, nil
}

// archivePath builds the object key for a day.
//
//	trades/2026-03-01.jsonl
func archivePath(prefix string, day time.Time) string {
	name := day.UTC().Format(time.DateOnly) + ".jsonl"
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*TradeArchiver)(nil)
