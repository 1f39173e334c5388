package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECBRIDGE_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXECBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bridge ──
	setStr(&cfg.Bridge.Mode, "EXECBRIDGE_BRIDGE_MODE")
	setStr(&cfg.Bridge.TradingMode, "EXECBRIDGE_BRIDGE_TRADING_MODE")
	setBool(&cfg.Bridge.LongOnly, "EXECBRIDGE_BRIDGE_LONG_ONLY")
	setInt(&cfg.Bridge.MaxConcurrentPositions, "EXECBRIDGE_BRIDGE_MAX_CONCURRENT_POSITIONS")
	setInt(&cfg.Bridge.MaxDailyTrades, "EXECBRIDGE_BRIDGE_MAX_DAILY_TRADES")
	setFloat64(&cfg.Bridge.MaxPositionSizeUSD, "EXECBRIDGE_BRIDGE_MAX_POSITION_SIZE_USD")
	setFloat64(&cfg.Bridge.MaxTotalExposureUSD, "EXECBRIDGE_BRIDGE_MAX_TOTAL_EXPOSURE_USD")
	setFloat64(&cfg.Bridge.MaxLossPerDayUSD, "EXECBRIDGE_BRIDGE_MAX_LOSS_PER_DAY_USD")
	setDuration(&cfg.Bridge.ReconcileInterval, "EXECBRIDGE_BRIDGE_RECONCILE_INTERVAL")
	setBool(&cfg.Bridge.AutoCloseOrphans, "EXECBRIDGE_BRIDGE_AUTO_CLOSE_ORPHANS")
	setDuration(&cfg.Bridge.DedupTTL, "EXECBRIDGE_BRIDGE_DEDUP_TTL")
	setInt(&cfg.Bridge.EventBuffer, "EXECBRIDGE_BRIDGE_EVENT_BUFFER")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "EXECBRIDGE_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "EXECBRIDGE_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "EXECBRIDGE_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "EXECBRIDGE_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "EXECBRIDGE_EXCHANGE_SECRET_PASSWORD")
	setInt64(&cfg.Exchange.RecvWindowMs, "EXECBRIDGE_EXCHANGE_RECV_WINDOW_MS")
	setDuration(&cfg.Exchange.RequestTimeout, "EXECBRIDGE_EXCHANGE_REQUEST_TIMEOUT")
	setDuration(&cfg.Exchange.CancelMinInterval, "EXECBRIDGE_EXCHANGE_CANCEL_MIN_INTERVAL")
	setBool(&cfg.Exchange.EmergencyStop, "EXECBRIDGE_EXCHANGE_EMERGENCY_STOP")
	setBool(&cfg.Exchange.TradingEnabled, "EXECBRIDGE_EXCHANGE_TRADING_ENABLED")
	setStringSlice(&cfg.Exchange.Blacklist, "EXECBRIDGE_EXCHANGE_BLACKLIST")
	setInt(&cfg.Exchange.MaxLeverage, "EXECBRIDGE_EXCHANGE_MAX_LEVERAGE")
	setFloat64(&cfg.Exchange.MaxPositionSizeUSD, "EXECBRIDGE_EXCHANGE_MAX_POSITION_SIZE_USD")
	setStr(&cfg.Exchange.MarkPriceStreamURL, "EXECBRIDGE_EXCHANGE_MARK_PRICE_STREAM_URL")

	// ── Trailing ──
	setStr(&cfg.Trailing.Mode, "EXECBRIDGE_TRAILING_MODE")
	setFloat64(&cfg.Trailing.ActivationROI, "EXECBRIDGE_TRAILING_ACTIVATION_ROI_PERCENT")
	setFloat64(&cfg.Trailing.CallbackRate, "EXECBRIDGE_TRAILING_CALLBACK_RATE_PERCENT")
	setDuration(&cfg.Trailing.PollInterval, "EXECBRIDGE_TRAILING_POLL_INTERVAL")
	setBool(&cfg.Trailing.FallbackToManual, "EXECBRIDGE_TRAILING_FALLBACK_TO_MANUAL")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.InitialBalance, "EXECBRIDGE_LEDGER_INITIAL_BALANCE")
	setFloat64(&cfg.Ledger.DefaultMarginUSD, "EXECBRIDGE_LEDGER_DEFAULT_MARGIN_USD")
	setInt(&cfg.Ledger.DefaultLeverage, "EXECBRIDGE_LEDGER_DEFAULT_LEVERAGE")
	setInt(&cfg.Ledger.MaxPositions, "EXECBRIDGE_LEDGER_MAX_POSITIONS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "EXECBRIDGE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "EXECBRIDGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "EXECBRIDGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECBRIDGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECBRIDGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECBRIDGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECBRIDGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECBRIDGE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXECBRIDGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXECBRIDGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXECBRIDGE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "EXECBRIDGE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "EXECBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXECBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXECBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXECBRIDGE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.SignalStream, "EXECBRIDGE_REDIS_SIGNAL_STREAM")
	setStr(&cfg.Redis.PriceStream, "EXECBRIDGE_REDIS_PRICE_STREAM")
	setStr(&cfg.Redis.EventChannel, "EXECBRIDGE_REDIS_EVENT_CHANNEL")
	setDuration(&cfg.Redis.LockTTL, "EXECBRIDGE_REDIS_LOCK_TTL")
	setBool(&cfg.Redis.DistributedCancelGate, "EXECBRIDGE_REDIS_DISTRIBUTED_CANCEL_GATE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "EXECBRIDGE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "EXECBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXECBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXECBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXECBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXECBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXECBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXECBRIDGE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXECBRIDGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXECBRIDGE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "EXECBRIDGE_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "EXECBRIDGE_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXECBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXECBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXECBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXECBRIDGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXECBRIDGE_MODE")
	setStr(&cfg.LogLevel, "EXECBRIDGE_LOG_LEVEL")
	setStr(&cfg.Log.File, "EXECBRIDGE_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
