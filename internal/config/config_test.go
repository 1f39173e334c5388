package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "log_only", cfg.Bridge.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Exchange.CancelMinInterval.Duration)
	assert.Equal(t, 10*time.Second, cfg.Exchange.RequestTimeout.Duration)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "nope"
	cfg.Bridge.Mode = "yolo"
	cfg.Exchange.MaxLeverage = 500
	cfg.Trailing.Levels = []domain.TrailLevel{{TriggerROI: 20, StopROI: 5}, {TriggerROI: 10, StopROI: 0}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "nope"`)
	assert.Contains(t, msg, `bridge: unknown mode "yolo"`)
	assert.Contains(t, msg, "max_leverage must be 1-125")
	assert.Contains(t, msg, "strictly increasing")
}

func TestValidateAllowsMissingCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Bridge.Mode = "real_money"
	assert.NoError(t, cfg.Validate())
}

func TestValidateEncryptedSecretNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.EncryptedSecretPath = "/tmp/secret.json"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_password is required")
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
mode = "bridge"

[bridge]
mode = "paper_mirror"
long_only = true
reconcile_interval = "30s"

[exchange]
blacklist = ["LUNAUSDT"]

[[trailing.levels]]
trigger_roi_percent = 5
stop_roi_percent = 0

[[trailing.levels]]
trigger_roi_percent = 15
stop_roi_percent = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("EXECBRIDGE_EXCHANGE_API_KEY", "key-from-env")
	t.Setenv("EXECBRIDGE_BRIDGE_MAX_DAILY_TRADES", "7")
	t.Setenv("EXECBRIDGE_EXCHANGE_BLACKLIST", "AAAUSDT, BBBUSDT")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bridge", cfg.Mode)
	assert.Equal(t, "paper_mirror", cfg.Bridge.Mode)
	assert.True(t, cfg.Bridge.LongOnly)
	assert.Equal(t, 30*time.Second, cfg.Bridge.ReconcileInterval.Duration)
	assert.Equal(t, 7, cfg.Bridge.MaxDailyTrades)
	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, []string{"AAAUSDT", "BBBUSDT"}, cfg.Exchange.Blacklist)
	require.Len(t, cfg.Trailing.Levels, 2)
	assert.Equal(t, 15.0, cfg.Trailing.Levels[1].TriggerROI)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.APIKey = "k"
	cfg.Exchange.APISecret = "s"
	cfg.Postgres.Password = "pw"
	cfg.Exchange.Blacklist = []string{"X"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Exchange.APIKey)
	assert.Equal(t, "***", out.Exchange.APISecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "", out.Redis.Password)

	out.Exchange.Blacklist[0] = "Y"
	assert.Equal(t, "X", cfg.Exchange.Blacklist[0])
	assert.Equal(t, "s", cfg.Exchange.APISecret)
}

func TestExampleFileMatchesDefaults(t *testing.T) {
	var cfg Config
	_, err := toml.DecodeFile(filepath.Join("..", "..", "config.example.toml"), &cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def := Defaults()
	assert.Equal(t, def.Bridge, cfg.Bridge)
	assert.Equal(t, def.Trailing, cfg.Trailing)
	assert.Equal(t, def.Ledger, cfg.Ledger)
	assert.Equal(t, def.Redis, cfg.Redis)
	assert.Equal(t, def.S3, cfg.S3)
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Notify.Events, cfg.Notify.Events)
	assert.Equal(t, def.Log, cfg.Log)
	assert.Equal(t, def.Exchange.BaseURL, cfg.Exchange.BaseURL)
	assert.Equal(t, def.Exchange.CancelMinInterval, cfg.Exchange.CancelMinInterval)
	assert.Empty(t, cfg.Exchange.Blacklist)
}
