package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avetorres/polytrader/internal/cache/redis"
	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/crypto"
	"github.com/avetorres/polytrader/internal/domain"
	"github.com/avetorres/polytrader/internal/executor"
	"github.com/avetorres/polytrader/internal/notify"
	"github.com/avetorres/polytrader/internal/platform/polymarket"
	"github.com/avetorres/polytrader/internal/risk"
	"github.com/avetorres/polytrader/internal/scanner"
	"github.com/avetorres/polytrader/internal/store/file"
	"github.com/avetorres/polytrader/internal/store/postgres"
	"github.com/avetorres/polytrader/internal/strategy"
)

// Dependencies bundles everything the control loop needs. Constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Positions domain.PositionStore
	Blacklist domain.Blacklist
	Stats     domain.StatsRecorder

	Exchange domain.ExchangeClient
	Trader   *executor.Trader
	Scanner  *scanner.Scanner
	Strategy *strategy.Strategy
	Gate     *risk.Gate
	Notifier *notify.Notifier

	// Optional observers; nil when not configured.
	Audit domain.AuditStore
	Bus   domain.EventBus
}

// Wire constructs all concrete dependencies from configuration and returns
// them with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Durable JSON stores ---
	positions, err := file.NewPositionStore(cfg.Bot.DataDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: position store: %w", err)
	}
	deps.Positions = positions

	blacklist, err := file.NewBlacklist(cfg.Bot.DataDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: blacklist: %w", err)
	}
	deps.Blacklist = blacklist

	deps.Strategy = strategy.New(cfg.Strategy)

	stats, err := file.NewStats(cfg.Bot.DataDir, deps.Strategy.OddsRanges())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("app: stats: %w", err)
	}
	deps.Stats = stats

	// --- Exchange client ---
	var signer *crypto.Signer
	if cfg.Wallet.PrivateKey != "" {
		signer, err = crypto.NewSigner(cfg.Wallet.PrivateKey, cfg.Wallet.FunderAddress, cfg.Polymarket.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: signer: %w", err)
		}
	}

	var hmacAuth *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}

	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, hmacAuth)
	if !cfg.Bot.DryRun && hmacAuth == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: derive api key: %w", err)
		}
		logger.Info("api key derived")
	}
	deps.Exchange = clob

	// --- Execution core ---
	gate := executor.NewGate(
		cfg.API.MaxCallsPerMinute,
		cfg.API.RetryAttempts,
		time.Duration(cfg.API.RetryBackoffSeconds)*time.Second,
		logger,
	)
	deps.Trader = executor.NewTrader(clob, gate, cfg.Bot, cfg.Risk.MinSellPriceRatio, logger)

	// --- Risk ---
	var balances risk.Balances
	if !cfg.Bot.DryRun {
		balances = clob
	}
	deps.Gate = risk.NewGate(positions, stats, balances, cfg.Risk, cfg.Capital, cfg.Bot.DryRun, logger)

	// --- Scanner ---
	gamma := polymarket.NewGammaClient("")
	exclude := func(tokenID string) bool {
		return positions.Has(tokenID) || blacklist.IsBlacklisted(tokenID)
	}
	deps.Scanner = scanner.New(gamma, clob, deps.Strategy, exclude, cfg.Scanner, logger)

	// --- Notifications ---
	deps.Notifier = notify.New(cfg.Notify, logger)

	// --- Optional audit log ---
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		logger.Info("audit log enabled")
	}

	// --- Optional event bus ---
	if cfg.Redis.Addr != "" {
		rdb, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		deps.Bus = redis.NewEventBus(rdb)
		logger.Info("event bus enabled")
	}

	return deps, cleanup, nil
}
