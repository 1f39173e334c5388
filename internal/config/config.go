// Package config defines the top-level configuration for the execution bridge
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXECBRIDGE_* environment variables.
type Config struct {
	Bridge   BridgeConfig   `toml:"bridge"`
	Exchange ExchangeConfig `toml:"exchange"`
	Trailing TrailingConfig `toml:"trailing"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LogConfig controls the optional rotating log file. Logs always go to
// stdout; when File is set they are also written there.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// BridgeConfig holds execution mode and safety limits.
type BridgeConfig struct {
	Mode                   string   `toml:"mode"`
	TradingMode            string   `toml:"trading_mode"`
	LongOnly               bool     `toml:"long_only"`
	MaxConcurrentPositions int      `toml:"max_concurrent_positions"`
	MaxDailyTrades         int      `toml:"max_daily_trades"`
	MaxPositionSizeUSD     float64  `toml:"max_position_size_usd"`
	MaxTotalExposureUSD    float64  `toml:"max_total_exposure_usd"`
	MaxLossPerDayUSD       float64  `toml:"max_loss_per_day_usd"`
	ReconcileInterval      duration `toml:"reconcile_interval"`
	AutoCloseOrphans       bool     `toml:"auto_close_orphans"`
	DedupTTL               duration `toml:"dedup_ttl"`
	EventBuffer            int      `toml:"event_buffer"`
	TradeLogSize           int      `toml:"trade_log_size"`
}

// ExchangeConfig holds exchange endpoint, credentials and pre-trade safety
// limits.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RecvWindowMs        int64    `toml:"recv_window_ms"`
	RequestTimeout      duration `toml:"request_timeout"`
	CancelMinInterval   duration `toml:"cancel_min_interval"`
	EmergencyStop       bool     `toml:"emergency_stop"`
	TradingEnabled      bool     `toml:"trading_enabled"`
	Blacklist           []string `toml:"blacklist"`
	MaxLeverage         int      `toml:"max_leverage"`
	MaxPositionSizeUSD  float64  `toml:"max_position_size_usd"`
	QuantityPrecision   int32    `toml:"quantity_precision"`
	PricePrecision      int32    `toml:"price_precision"`
	MarkPriceStreamURL  string   `toml:"mark_price_stream_url"`
}

// TrailingConfig selects the trailing-stop strategy and its parameters.
type TrailingConfig struct {
	Mode             string              `toml:"mode"`
	ActivationROI    float64             `toml:"activation_roi_percent"`
	CallbackRate     float64             `toml:"callback_rate_percent"`
	PollInterval     duration            `toml:"poll_interval"`
	FetchTimeout     duration            `toml:"fetch_timeout"`
	FallbackToManual bool                `toml:"fallback_to_manual"`
	Levels           []domain.TrailLevel `toml:"levels"`
}

// LedgerConfig holds the paper ledger's sizing parameters.
type LedgerConfig struct {
	InitialBalance   float64 `toml:"initial_balance"`
	DefaultMarginUSD float64 `toml:"default_margin_usd"`
	DefaultLeverage  int     `toml:"default_leverage"`
	MaxPositions     int     `toml:"max_positions"`
	FeeRate          float64 `toml:"fee_rate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the stream names the
// bridge consumes.
type RedisConfig struct {
	Enabled               bool     `toml:"enabled"`
	Addr                  string   `toml:"addr"`
	Password              string   `toml:"password"`
	DB                    int      `toml:"db"`
	PoolSize              int      `toml:"pool_size"`
	MaxRetries            int      `toml:"max_retries"`
	TLSEnabled            bool     `toml:"tls_enabled"`
	SignalStream          string   `toml:"signal_stream"`
	PriceStream           string   `toml:"price_stream"`
	EventChannel          string   `toml:"event_channel"`
	LockTTL               duration `toml:"lock_ttl"`
	DistributedCancelGate bool     `toml:"distributed_cancel_gate"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bridge: BridgeConfig{
			Mode:                   string(domain.ModeLogOnly),
			TradingMode:            string(domain.TradingFutures),
			LongOnly:               false,
			MaxConcurrentPositions: 5,
			MaxDailyTrades:         20,
			MaxPositionSizeUSD:     500,
			MaxTotalExposureUSD:    2000,
			MaxLossPerDayUSD:       100,
			ReconcileInterval:      duration{time.Minute},
			AutoCloseOrphans:       false,
			DedupTTL:               duration{10 * time.Minute},
			EventBuffer:            256,
			TradeLogSize:           1000,
		},
		Exchange: ExchangeConfig{
			BaseURL:            "https://fapi.binance.com",
			RecvWindowMs:       5000,
			RequestTimeout:     duration{10 * time.Second},
			CancelMinInterval:  duration{250 * time.Millisecond},
			EmergencyStop:      false,
			TradingEnabled:     true,
			MaxLeverage:        20,
			MaxPositionSizeUSD: 1000,
			QuantityPrecision:  3,
			PricePrecision:     2,
		},
		Trailing: TrailingConfig{
			Mode:             string(domain.TrailingManual),
			ActivationROI:    10,
			CallbackRate:     1,
			PollInterval:     duration{5 * time.Second},
			FetchTimeout:     duration{3 * time.Second},
			FallbackToManual: true,
			Levels: []domain.TrailLevel{
				{TriggerROI: 10, StopROI: 0},
				{TriggerROI: 20, StopROI: 10},
				{TriggerROI: 40, StopROI: 25},
			},
		},
		Ledger: LedgerConfig{
			InitialBalance:   10_000,
			DefaultMarginUSD: 100,
			DefaultLeverage:  10,
			MaxPositions:     10,
			FeeRate:          0.0004,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "execbridge",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			TLSEnabled:   false,
			SignalStream: "execbridge:signals",
			PriceStream:  "execbridge:prices",
			EventChannel: "execbridge:events",
			LockTTL:      duration{30 * time.Second},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "execbridge-data",
			UseSSL:         false,
			ForcePathStyle: true,
			Prefix:         "archive/trades",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventTradeFailed),
				string(domain.EventModeDowngraded),
				string(domain.EventReconcileDrift),
				string(domain.EventEmergencyClose),
			},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"bridge": true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTradingModes = map[string]bool{
	string(domain.TradingSpot):    true,
	string(domain.TradingFutures): true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. Missing exchange credentials
// are not an error here: the bridge downgrades to log_only at startup instead.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: bridge, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		errs = append(errs, "log: max_size_mb must be >= 1 when file is set")
	}

	// Bridge
	if !domain.ExecutionMode(c.Bridge.Mode).Valid() {
		errs = append(errs, fmt.Sprintf("bridge: unknown mode %q (valid: log_only, paper_mirror, real_money)", c.Bridge.Mode))
	}
	if !validTradingModes[c.Bridge.TradingMode] {
		errs = append(errs, fmt.Sprintf("bridge: unknown trading_mode %q (valid: spot, futures)", c.Bridge.TradingMode))
	}
	if c.Bridge.MaxConcurrentPositions < 1 {
		errs = append(errs, "bridge: max_concurrent_positions must be >= 1")
	}
	if c.Bridge.MaxDailyTrades < 1 {
		errs = append(errs, "bridge: max_daily_trades must be >= 1")
	}
	if c.Bridge.MaxPositionSizeUSD <= 0 {
		errs = append(errs, "bridge: max_position_size_usd must be > 0")
	}
	if c.Bridge.MaxTotalExposureUSD < c.Bridge.MaxPositionSizeUSD {
		errs = append(errs, "bridge: max_total_exposure_usd must be >= max_position_size_usd")
	}
	if c.Bridge.MaxLossPerDayUSD <= 0 {
		errs = append(errs, "bridge: max_loss_per_day_usd must be > 0")
	}
	if c.Bridge.ReconcileInterval.Duration < 0 {
		errs = append(errs, "bridge: reconcile_interval must not be negative")
	}
	if c.Bridge.EventBuffer < 1 {
		errs = append(errs, "bridge: event_buffer must be >= 1")
	}

	// Exchange
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
		errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
	}
	if c.Exchange.MaxLeverage < 1 || c.Exchange.MaxLeverage > 125 {
		errs = append(errs, fmt.Sprintf("exchange: max_leverage must be 1-125, got %d", c.Exchange.MaxLeverage))
	}
	if c.Exchange.MaxPositionSizeUSD <= 0 {
		errs = append(errs, "exchange: max_position_size_usd must be > 0")
	}
	if c.Exchange.RecvWindowMs <= 0 || c.Exchange.RecvWindowMs > 60000 {
		errs = append(errs, "exchange: recv_window_ms must be 1-60000")
	}
	if c.Exchange.RequestTimeout.Duration <= 0 {
		errs = append(errs, "exchange: request_timeout must be > 0")
	}
	if c.Exchange.CancelMinInterval.Duration < 0 {
		errs = append(errs, "exchange: cancel_min_interval must not be negative")
	}

	// Trailing
	if !domain.TrailingMode(c.Trailing.Mode).Valid() {
		errs = append(errs, fmt.Sprintf("trailing: unknown mode %q (valid: native, manual, hybrid)", c.Trailing.Mode))
	}
	if c.Trailing.PollInterval.Duration <= 0 {
		errs = append(errs, "trailing: poll_interval must be > 0")
	}
	if c.Trailing.CallbackRate < 0.1 || c.Trailing.CallbackRate > 5 {
		errs = append(errs, "trailing: callback_rate_percent must be 0.1-5")
	}
	if c.Trailing.Mode != string(domain.TrailingNative) && len(c.Trailing.Levels) == 0 {
		errs = append(errs, "trailing: levels must not be empty for manual or hybrid mode")
	}
	for i := 1; i < len(c.Trailing.Levels); i++ {
		if c.Trailing.Levels[i].TriggerROI <= c.Trailing.Levels[i-1].TriggerROI {
			errs = append(errs, "trailing: levels must be ordered by strictly increasing trigger_roi_percent")
			break
		}
	}
	for _, l := range c.Trailing.Levels {
		if l.StopROI >= l.TriggerROI {
			errs = append(errs, fmt.Sprintf("trailing: level stop_roi_percent %.2f must be below trigger %.2f", l.StopROI, l.TriggerROI))
		}
	}

	// Ledger
	if c.Ledger.InitialBalance <= 0 {
		errs = append(errs, "ledger: initial_balance must be > 0")
	}
	if c.Ledger.DefaultMarginUSD <= 0 {
		errs = append(errs, "ledger: default_margin_usd must be > 0")
	}
	if c.Ledger.DefaultLeverage < 1 {
		errs = append(errs, "ledger: default_leverage must be >= 1")
	}
	if c.Ledger.MaxPositions < 1 {
		errs = append(errs, "ledger: max_positions must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.SignalStream == "" {
			errs = append(errs, "redis: signal_stream must not be empty")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 1s")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
