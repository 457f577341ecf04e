// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// FillTimeoutPolicy controls what the executor reports when an order's fill
// could not be verified before the timeout.
const (
	FillPolicyAssumeFull     = "assume_full"
	FillPolicyMarkUnverified = "mark_unverified"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POLYTRADER_* environment
// variables.
type Config struct {
	Bot        BotConfig        `toml:"bot"`
	API        APIConfig        `toml:"api"`
	Risk       RiskConfig       `toml:"risk"`
	Blacklist  BlacklistConfig  `toml:"blacklist"`
	Trading    TradingConfig    `toml:"trading"`
	Capital    CapitalConfig    `toml:"capital"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// BotConfig holds the engine's runtime behaviour switches.
type BotConfig struct {
	DryRun                       bool   `toml:"dry_run"`
	DataDir                      string `toml:"data_dir"`
	OrderTimeoutSeconds          int    `toml:"order_timeout_seconds"`
	LoopIntervalSeconds          int    `toml:"loop_interval_seconds"`
	PositionCheckIntervalSeconds int    `toml:"position_check_interval_seconds"`
	FillTimeoutPolicy            string `toml:"fill_timeout_policy"`
	StreamPositions              bool   `toml:"stream_positions"`
}

// APIConfig holds outbound-call throttling and retry parameters.
type APIConfig struct {
	RetryAttempts       int `toml:"retry_attempts"`
	RetryBackoffSeconds int `toml:"retry_backoff_seconds"`
	MaxCallsPerMinute   int `toml:"max_calls_per_minute"`
}

// RiskConfig holds the pre-entry risk gate limits.
type RiskConfig struct {
	MaxPositions      int     `toml:"max_positions"`
	CooldownSeconds   int     `toml:"cooldown_seconds"`
	DailyLossLimit    float64 `toml:"daily_loss_limit"`
	MinSellPriceRatio float64 `toml:"min_sell_price_ratio"`
}

// BlacklistConfig holds the stop-loss cool-down parameters.
type BlacklistConfig struct {
	DurationDays int `toml:"duration_days"`
	MaxAttempts  int `toml:"max_attempts"`
}

// TradingConfig selects the entry flow.
type TradingConfig struct {
	// UseConcurrentOrders places resting TP/SL limit orders alongside the
	// entry instead of monitoring the book locally.
	UseConcurrentOrders bool `toml:"use_concurrent_orders"`
	// UseBatchSigning pre-signs buy+TP+SL before any submission to shrink
	// the unprotected window. Only meaningful with UseConcurrentOrders.
	UseBatchSigning bool `toml:"use_batch_signing"`
}

// CapitalConfig holds the capital envelope.
type CapitalConfig struct {
	Total         float64 `toml:"total"`
	SafetyReserve float64 `toml:"safety_reserve"`
	MaxTradeSize  float64 `toml:"max_trade_size"`
}

// OddsTier holds TP/SL percentages for one entry-odds range.
type OddsTier struct {
	TPPercent float64 `toml:"tp_percent"`
	SLPercent float64 `toml:"sl_percent"`
}

// StrategyConfig holds TP/SL tiers and market scoring weights.
type StrategyConfig struct {
	TPSLByOdds   map[string]OddsTier `toml:"tp_sl_by_odds"`
	ScoreWeights ScoreWeights        `toml:"score_weights"`
}

// ScoreWeights weight the market-score components.
type ScoreWeights struct {
	Spread        float64 `toml:"spread"`
	Volume        float64 `toml:"volume"`
	OddsDistance  float64 `toml:"odds_distance"`
	TimeToResolve float64 `toml:"time_to_resolve"`
}

// ScannerConfig holds candidate-discovery filters.
type ScannerConfig struct {
	MaxMarkets       int     `toml:"max_markets"`
	MinOdds          float64 `toml:"min_odds"`
	MaxOdds          float64 `toml:"max_odds"`
	MaxSpreadPercent float64 `toml:"max_spread_percent"`
	MinVolumeUSD     float64 `toml:"min_volume_usd"`
	MaxDaysToResolve int     `toml:"max_days_to_resolve"`
}

// WalletConfig holds the trading wallet credentials.
type WalletConfig struct {
	PrivateKey    string `toml:"private_key"`
	FunderAddress string `toml:"funder_address"`
}

// PolymarketConfig holds exchange endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// RedisConfig holds the optional event-bus connection parameters. Disabled
// when Addr is empty.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

// PostgresConfig holds the optional audit-log connection parameters.
// Disabled when DSN is empty.
type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Bot: BotConfig{
			DryRun:                       true,
			DataDir:                      "data",
			OrderTimeoutSeconds:          30,
			LoopIntervalSeconds:          120,
			PositionCheckIntervalSeconds: 10,
			FillTimeoutPolicy:            FillPolicyAssumeFull,
		},
		API: APIConfig{
			RetryAttempts:       3,
			RetryBackoffSeconds: 5,
			MaxCallsPerMinute:   20,
		},
		Risk: RiskConfig{
			MaxPositions:      5,
			CooldownSeconds:   300,
			DailyLossLimit:    3.0,
			MinSellPriceRatio: 0.5,
		},
		Blacklist: BlacklistConfig{
			DurationDays: 3,
			MaxAttempts:  2,
		},
		Trading: TradingConfig{
			UseConcurrentOrders: false,
			UseBatchSigning:     false,
		},
		Capital: CapitalConfig{
			Total:         20.0,
			SafetyReserve: 2.0,
			MaxTradeSize:  1.0,
		},
		Strategy: StrategyConfig{
			TPSLByOdds: map[string]OddsTier{
				"0.30-0.40": {TPPercent: 20, SLPercent: 12},
				"0.40-0.50": {TPPercent: 18, SLPercent: 10},
				"0.50-0.60": {TPPercent: 15, SLPercent: 10},
				"0.60-0.70": {TPPercent: 12, SLPercent: 8},
			},
			ScoreWeights: ScoreWeights{
				Spread:        40,
				Volume:        30,
				OddsDistance:  20,
				TimeToResolve: 10,
			},
		},
		Scanner: ScannerConfig{
			MaxMarkets:       20,
			MinOdds:          0.30,
			MaxOdds:          0.70,
			MaxSpreadPercent: 10.0,
			MinVolumeUSD:     100.0,
			MaxDaysToResolve: 30,
		},
		Polymarket: PolymarketConfig{
			ClobHost: "https://clob.polymarket.com",
			WsHost:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:  137,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			MaxConns: 4,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validFillPolicies enumerates the accepted values for Bot.FillTimeoutPolicy.
var validFillPolicies = map[string]bool{
	FillPolicyAssumeFull:     true,
	FillPolicyMarkUnverified: true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validFillPolicies[c.Bot.FillTimeoutPolicy] {
		errs = append(errs, fmt.Sprintf("bot: unknown fill_timeout_policy %q (valid: %s, %s)",
			c.Bot.FillTimeoutPolicy, FillPolicyAssumeFull, FillPolicyMarkUnverified))
	}
	if c.Bot.DataDir == "" {
		errs = append(errs, "bot: data_dir must not be empty")
	}
	if c.Bot.OrderTimeoutSeconds <= 0 {
		errs = append(errs, "bot: order_timeout_seconds must be > 0")
	}
	if c.Bot.PositionCheckIntervalSeconds <= 0 {
		errs = append(errs, "bot: position_check_interval_seconds must be > 0")
	}

	if c.API.RetryAttempts < 1 {
		errs = append(errs, "api: retry_attempts must be >= 1")
	}
	if c.API.MaxCallsPerMinute < 1 {
		errs = append(errs, "api: max_calls_per_minute must be >= 1")
	}

	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MinSellPriceRatio <= 0 || c.Risk.MinSellPriceRatio > 1 {
		errs = append(errs, fmt.Sprintf("risk: min_sell_price_ratio must be in (0, 1], got %g", c.Risk.MinSellPriceRatio))
	}

	if c.Blacklist.DurationDays < 1 {
		errs = append(errs, "blacklist: duration_days must be >= 1")
	}
	if c.Blacklist.MaxAttempts < 1 {
		errs = append(errs, "blacklist: max_attempts must be >= 1")
	}

	if c.Capital.Total <= 0 {
		errs = append(errs, "capital: total must be > 0")
	}
	if c.Capital.SafetyReserve < 0 {
		errs = append(errs, "capital: safety_reserve must be >= 0")
	}
	if c.Capital.MaxTradeSize <= 0 {
		errs = append(errs, "capital: max_trade_size must be > 0")
	}

	// Wallet credentials are only required for live trading.
	if !c.Bot.DryRun {
		if c.Wallet.PrivateKey == "" {
			errs = append(errs, "wallet: private_key is required when bot.dry_run is false")
		}
		if c.Polymarket.ApiKey == "" || c.Polymarket.ApiSecret == "" || c.Polymarket.ApiPassphrase == "" {
			errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase are required when bot.dry_run is false")
		}
	}
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}

	if c.Bot.StreamPositions && c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host is required when bot.stream_positions is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
