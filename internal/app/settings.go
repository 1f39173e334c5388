package app

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/config"
	"github.com/alanyoungcy/execbridge/internal/crypto"
	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/exchange"
	"github.com/alanyoungcy/execbridge/internal/ledger"
	"github.com/alanyoungcy/execbridge/internal/server"
	"github.com/alanyoungcy/execbridge/internal/trailing"
)

func bridgeConfig(cfg *config.Config) bridge.Config {
	b := cfg.Bridge
	return bridge.Config{
		Mode:                   domain.ExecutionMode(b.Mode),
		TradingMode:            domain.TradingMode(b.TradingMode),
		LongOnly:               b.LongOnly,
		MaxConcurrentPositions: b.MaxConcurrentPositions,
		MaxDailyTrades:         b.MaxDailyTrades,
		MaxPositionSizeUSD:     b.MaxPositionSizeUSD,
		MaxTotalExposureUSD:    b.MaxTotalExposureUSD,
		MaxLossPerDayUSD:       b.MaxLossPerDayUSD,
		ReconcileInterval:      b.ReconcileInterval.Duration,
		AutoCloseOrphans:       b.AutoCloseOrphans,
		DedupTTL:               b.DedupTTL.Duration,
		EventBuffer:            b.EventBuffer,
		TradeLogSize:           b.TradeLogSize,
	}
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	return ledger.Config{
		InitialBalance:   cfg.Ledger.InitialBalance,
		DefaultMarginUSD: cfg.Ledger.DefaultMarginUSD,
		DefaultLeverage:  cfg.Ledger.DefaultLeverage,
		MaxPositions:     cfg.Ledger.MaxPositions,
		FeeRate:          cfg.Ledger.FeeRate,
		Levels:           append([]domain.TrailLevel(nil), cfg.Trailing.Levels...),
	}
}

func trailingConfig(cfg *config.Config) trailing.Config {
	t := cfg.Trailing
	return trailing.Config{
		Mode:             domain.TrailingMode(t.Mode),
		ActivationROI:    t.ActivationROI,
		CallbackRate:     t.CallbackRate,
		Levels:           append([]domain.TrailLevel(nil), t.Levels...),
		PollInterval:     t.PollInterval.Duration,
		FetchTimeout:     t.FetchTimeout.Duration,
		FallbackToManual: t.FallbackToManual,
	}
}

// futuresConfig resolves the API secret (plain or encrypted at rest) and
// builds the REST adapter configuration.
func futuresConfig(cfg *config.Config) (exchange.FuturesConfig, error) {
	e := cfg.Exchange
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           e.APISecret,
		EncryptedSecretPath: e.EncryptedSecretPath,
		Password:            e.SecretPassword,
	})
	if err != nil {
		return exchange.FuturesConfig{}, err
	}
	return exchange.FuturesConfig{
		BaseURL:           e.BaseURL,
		APIKey:            e.APIKey,
		APISecret:         secret,
		RecvWindowMs:      e.RecvWindowMs,
		RequestTimeout:    e.RequestTimeout.Duration,
		QuantityPrecision: e.QuantityPrecision,
		PricePrecision:    e.PricePrecision,
		Safety: exchange.SafetyConfig{
			EmergencyStop:      e.EmergencyStop,
			TradingEnabled:     e.TradingEnabled,
			Blacklist:          append([]string(nil), e.Blacklist...),
			MaxLeverage:        e.MaxLeverage,
			MaxPositionSizeUSD: e.MaxPositionSizeUSD,
		},
	}, nil
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: append([]string(nil), cfg.Server.CORSOrigins...),
		APIKey:      cfg.Server.APIKey,
	}
}

// accountID names an exchange account in shared Redis keys without exposing
// the API key itself.
func accountID(apiKey string) string {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "default"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:6])
}

// liveLockKey is the single-instance lock held while trading real money on
// an account.
func liveLockKey(apiKey string) string {
	return "execbridge:live:" + accountID(apiKey)
}

// serveHTTP reports whether the process mode exposes the control API.
func serveHTTP(mode string) bool {
	switch strings.ToLower(mode) {
	case "server", "full":
		return true
	default:
		return false
	}
}

// consumeFeeds reports whether the process mode reads signals and prices
// from Redis streams and the mark price websocket.
func consumeFeeds(mode string) bool {
	switch strings.ToLower(mode) {
	case "bridge", "full":
		return true
	default:
		return false
	}
}
