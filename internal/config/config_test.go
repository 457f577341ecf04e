package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Bot.DryRun, "defaults must never trade live")
	assert.Equal(t, FillPolicyAssumeFull, cfg.Bot.FillTimeoutPolicy)
	assert.Len(t, cfg.Strategy.TPSLByOdds, 4)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
log_level = "debug"

[bot]
dry_run = true
data_dir = "/tmp/polytrader"
order_timeout_seconds = 45

[risk]
max_positions = 3

[capital]
total = 50.0
max_trade_size = 2.5

[strategy.tp_sl_by_odds."0.50-0.60"]
tp_percent = 25.0
sl_percent = 5.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/polytrader", cfg.Bot.DataDir)
	assert.Equal(t, 45, cfg.Bot.OrderTimeoutSeconds)
	assert.Equal(t, 3, cfg.Risk.MaxPositions)
	assert.Equal(t, 50.0, cfg.Capital.Total)
	assert.Equal(t, 2.5, cfg.Capital.MaxTradeSize)

	// overridden tier replaces the default, untouched defaults survive
	assert.Equal(t, OddsTier{TPPercent: 25, SLPercent: 5}, cfg.Strategy.TPSLByOdds["0.50-0.60"])
	assert.Equal(t, 300, cfg.Risk.CooldownSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLYTRADER_LOG_LEVEL", "warn")
	t.Setenv("POLYTRADER_DATA_DIR", "/var/lib/polytrader")
	t.Setenv("POLYTRADER_CAPITAL_TOTAL", "99.5")
	t.Setenv("POLYTRADER_DRY_RUN", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/polytrader", cfg.Bot.DataDir)
	assert.Equal(t, 99.5, cfg.Capital.Total)
}

func TestEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("POLYTRADER_CAPITAL_TOTAL", "lots")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Capital.Total, cfg.Capital.Total)
}

func TestValidateCollectsEveryError(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Bot.DataDir = ""
	cfg.Bot.FillTimeoutPolicy = "wait_forever"
	cfg.Risk.MaxPositions = 0
	cfg.Capital.Total = 0

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "log_level")
	assert.Contains(t, msg, "data_dir")
	assert.Contains(t, msg, "fill_timeout_policy")
	assert.Contains(t, msg, "max_positions")
	assert.Contains(t, msg, "capital: total")
}

func TestValidateLiveTradingNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Bot.DryRun = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key")
	assert.Contains(t, err.Error(), "api_key")

	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Polymarket.ApiKey = "k"
	cfg.Polymarket.ApiSecret = "s"
	cfg.Polymarket.ApiPassphrase = "p"
	require.NoError(t, cfg.Validate())
}

func TestValidateStreamingNeedsWsHost(t *testing.T) {
	cfg := Defaults()
	cfg.Bot.StreamPositions = true
	cfg.Polymarket.WsHost = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws_host")
}

func TestValidateSellRatioRange(t *testing.T) {
	cfg := Defaults()

	cfg.Risk.MinSellPriceRatio = 0
	require.Error(t, cfg.Validate())

	cfg.Risk.MinSellPriceRatio = 1.5
	require.Error(t, cfg.Validate())

	cfg.Risk.MinSellPriceRatio = 1
	require.NoError(t, cfg.Validate())
}
