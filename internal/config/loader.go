package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML config file, applies POLYTRADER_* environment overrides,
// and validates the result. A .env file in the working directory is loaded
// first if present; path may be empty, in which case defaults plus
// environment overrides are used.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from POLYTRADER_* environment variables.
// Secrets (wallet key, API credentials, webhook URLs) are the primary use,
// but operational toggles are supported too so deployments can avoid editing
// the config file.
func applyEnv(cfg *Config) {
	setStr("POLYTRADER_LOG_LEVEL", &cfg.LogLevel)

	setBool("POLYTRADER_DRY_RUN", &cfg.Bot.DryRun)
	setStr("POLYTRADER_DATA_DIR", &cfg.Bot.DataDir)
	setBool("POLYTRADER_STREAM_POSITIONS", &cfg.Bot.StreamPositions)

	setStr("POLYTRADER_WALLET_PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	setStr("POLYTRADER_WALLET_FUNDER_ADDRESS", &cfg.Wallet.FunderAddress)

	setStr("POLYTRADER_CLOB_HOST", &cfg.Polymarket.ClobHost)
	setStr("POLYTRADER_WS_HOST", &cfg.Polymarket.WsHost)
	setInt("POLYTRADER_CHAIN_ID", &cfg.Polymarket.ChainID)
	setStr("POLYTRADER_API_KEY", &cfg.Polymarket.ApiKey)
	setStr("POLYTRADER_API_SECRET", &cfg.Polymarket.ApiSecret)
	setStr("POLYTRADER_API_PASSPHRASE", &cfg.Polymarket.ApiPassphrase)

	setFloat64("POLYTRADER_CAPITAL_TOTAL", &cfg.Capital.Total)
	setFloat64("POLYTRADER_CAPITAL_RESERVE", &cfg.Capital.SafetyReserve)
	setFloat64("POLYTRADER_MAX_TRADE_SIZE", &cfg.Capital.MaxTradeSize)

	setStr("POLYTRADER_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("POLYTRADER_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("POLYTRADER_REDIS_DB", &cfg.Redis.DB)

	setStr("POLYTRADER_POSTGRES_DSN", &cfg.Postgres.DSN)

	setStr("POLYTRADER_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setStr("POLYTRADER_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setStr("POLYTRADER_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
