package bridge

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// idleRecheck is how often a disabled reconcile timer looks for a new
	// interval.
	idleRecheck     = time.Minute
	cleanupInterval = 30 * time.Second
)

// Run dispatches events and drives the reconciliation timer and dedup
// cleanup until ctx is cancelled. Each loop runs in its own goroutine so a
// slow exchange call never delays event delivery.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.dispatchLoop(gctx) })
	g.Go(func() error { return b.reconcileLoop(gctx) })
	g.Go(func() error { return b.cleanupLoop(gctx) })
	return g.Wait()
}

func (b *Bridge) reconcileLoop(ctx context.Context) error {
	for {
		interval := b.Config().ReconcileInterval
		wait := interval
		if wait <= 0 {
			wait = idleRecheck
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if interval <= 0 {
			continue
		}
		if _, err := b.Reconcile(ctx); err != nil && ctx.Err() == nil {
			b.logger.DebugContext(ctx, "bridge: reconcile tick skipped", slog.String("error", err.Error()))
		}
	}
}

func (b *Bridge) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.dedup.Cleanup()
		}
	}
}
