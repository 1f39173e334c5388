package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/server"
	"github.com/alanyoungcy/execbridge/internal/server/handler"
)

const shutdownTimeout = 5 * time.Second

// run starts the bridge loops plus the feeds and HTTP server the process
// mode asks for, and waits for all of them.
func (a *App) run(ctx context.Context, deps *Dependencies, mode string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return quiet(deps.Bridge.Run(gctx)) })
	g.Go(func() error { return quiet(deps.Trailing.Run(gctx)) })
	g.Go(func() error { return quiet(deps.Hub.Run(gctx)) })

	if deps.LiveLock != nil {
		g.Go(func() error {
			return deps.LiveLock.Run(gctx, func(ctx context.Context) {
				a.leaveRealMoney(ctx, deps.Bridge)
			})
		})
	}

	if consumeFeeds(mode) {
		if deps.Feed != nil {
			g.Go(func() error { return quiet(deps.Feed.RunSignals(gctx)) })
			g.Go(func() error { return quiet(deps.Feed.RunPrices(gctx)) })
		}
		if deps.MarkPrices != nil {
			g.Go(func() error { return quiet(deps.MarkPrices.Run(gctx)) })
		}
	}

	if serveHTTP(mode) && a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	}

	err := g.Wait()
	deps.Bridge.Wait()
	return err
}

// leaveRealMoney drops to log_only after the single-instance lock was lost,
// so two processes never trade the same account.
func (a *App) leaveRealMoney(ctx context.Context, b *bridge.Bridge) {
	if b.Mode() != domain.ModeRealMoney {
		return
	}
	logOnly := domain.ModeLogOnly
	if _, err := b.Reconfigure(ctx, bridge.Patch{Mode: &logOnly}, ""); err != nil {
		a.logger.ErrorContext(ctx, "failed to leave real_money after lock loss", slog.String("error", err.Error()))
		return
	}
	a.logger.WarnContext(ctx, "live lock lost, switched to log_only")
}

// startHTTPServer adds the control API and its shutdown watcher to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var history handler.TradeHistory
	if deps.TradeStore != nil {
		history = deps.TradeStore
	}

	scfg := serverConfig(a.cfg)
	scfg.Limiter = deps.RateLimiter
	srv := server.NewServer(scfg, server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers, a.logger),
		Bridge: handler.NewBridgeHandler(deps.Bridge, history, a.logger),
	}, deps.Hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// quiet turns the cancellation error every loop returns on shutdown into a
// clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
