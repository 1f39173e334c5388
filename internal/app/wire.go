package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/execbridge/internal/blob/s3"
	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/cache/redis"
	"github.com/alanyoungcy/execbridge/internal/config"
	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
	"github.com/alanyoungcy/execbridge/internal/feed"
	"github.com/alanyoungcy/execbridge/internal/ledger"
	"github.com/alanyoungcy/execbridge/internal/notify"
	"github.com/alanyoungcy/execbridge/internal/reconcile"
	"github.com/alanyoungcy/execbridge/internal/server/handler"
	"github.com/alanyoungcy/execbridge/internal/server/ws"
	"github.com/alanyoungcy/execbridge/internal/store/postgres"
	"github.com/alanyoungcy/execbridge/internal/trailing"
)

// streamBlock is how long one XREAD waits for new stream entries.
const streamBlock = time.Second

// Dependencies bundles the bridge and every collaborator the run loops need.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Bridge   *bridge.Bridge
	Ledger   *ledger.Ledger
	Exchange *exchange.FuturesClient
	Trailing *trailing.Manager

	// Optional collaborators; nil when the backing service is disabled.
	TradeStore  *postgres.TradeStore
	SignalBus   domain.SignalBus
	LiveLock    *liveLock
	RateLimiter domain.RateLimiter
	Feed        *feed.StreamConsumer
	MarkPrices  *feed.MarkPriceFeed

	Hub      *ws.Hub
	Notifier *notify.Notifier
	Pingers  map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{Pingers: map[string]handler.Pinger{}}
	var (
		recorder bridge.Recorder
		auditor  bridge.Auditor
		audit    domain.AuditStore
		archiver domain.Archiver
		throttle exchange.Throttle
		guard    bridge.LiveGuard
	)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TradeStore = postgres.NewTradeStore(pool)
		auditStore := postgres.NewAuditStore(pool)
		recorder, auditor, audit = deps.TradeStore, auditStore, auditStore
		deps.Pingers["postgres"] = pool
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Pingers["redis"] = redisClient

		deps.SignalBus = redis.NewSignalBus(redisClient, streamBlock)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		locks := redis.NewLockManager(redisClient, logger)
		deps.LiveLock = newLiveLock(redisLeaser{lm: locks}, liveLockKey(cfg.Exchange.APIKey), cfg.Redis.LockTTL.Duration, logger)
		guard = deps.LiveLock
		if cfg.Redis.DistributedCancelGate {
			throttle = redis.NewCancelGate(redisClient, accountID(cfg.Exchange.APIKey), cfg.Exchange.CancelMinInterval.Duration)
		}
	}
	if throttle == nil {
		throttle = exchange.NewLocalThrottle(cfg.Exchange.CancelMinInterval.Duration)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Pingers["s3"] = healthPinger(s3Client.Health)
		archiver = s3blob.NewTradeArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix, audit, logger)
	}

	// --- Notifications and event fan-out ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Hub = ws.NewHub(cfg.Server.CORSOrigins, logger)

	observers := []bridge.Observer{deps.Hub, deps.Notifier}
	if deps.SignalBus != nil && cfg.Redis.EventChannel != "" {
		observers = append(observers, redis.NewEventPublisher(deps.SignalBus, cfg.Redis.EventChannel, logger))
	}

	// --- Exchange and trading core ---
	fc, err := futuresConfig(cfg)
	if err != nil {
		return fail("wire: exchange secret: %w", err)
	}
	deps.Exchange = exchange.NewFuturesClient(fc, throttle, logger)
	closers = append(closers, deps.Exchange.Close)
	deps.Ledger = ledger.New(ledgerConfig(cfg), logger)
	deps.Trailing = trailing.NewManager(trailingConfig(cfg), deps.Exchange, logger)
	reconciler := reconcile.NewService(deps.Ledger, deps.Exchange, cfg.Bridge.AutoCloseOrphans, logger)

	b, err := bridge.New(bridgeConfig(cfg), bridge.Deps{
		Ledger:     deps.Ledger,
		Exchange:   deps.Exchange,
		Trailing:   deps.Trailing,
		Reconciler: reconciler,
		Recorder:   recorder,
		Audit:      auditor,
		Archiver:   archiver,
		Guard:      guard,
		Observers:  observers,
	}, logger)
	if err != nil {
		return fail("wire: bridge: %w", err)
	}
	deps.Bridge = b
	deps.Hub.SetStatusSource(b.Status)

	// --- Feeds ---
	if deps.SignalBus != nil {
		deps.Feed = feed.NewStreamConsumer(deps.SignalBus, cfg.Redis.SignalStream, cfg.Redis.PriceStream, b, b, logger)
	}
	if cfg.Exchange.MarkPriceStreamURL != "" {
		deps.MarkPrices = feed.NewMarkPriceFeed(cfg.Exchange.MarkPriceStreamURL, b, logger)
	}

	return deps, cleanup, nil
}

// healthPinger adapts a health-check function to handler.Pinger.
type healthPinger func(ctx context.Context) error

func (f healthPinger) Ping(ctx context.Context) error { return f(ctx) }
