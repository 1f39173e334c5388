package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves a finished trading day's records to cold storage.
type Archiver interface {
	ArchiveDay(ctx context.Context, day time.Time, trades []ExecutedTrade) (string, error)
}
