// Package app provides top-level lifecycle management: it wires stores,
// exchange clients, execution, risk, and notifications together and runs
// the control loop (plus the optional streaming monitor) until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/avetorres/polytrader/internal/bot"
	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/feed"
)

// App is the root application object. It owns configuration, the logger, and
// cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks until ctx is cancelled or the loop
// stops. With once set, a single control-loop tick runs.
func (a *App) Run(ctx context.Context, once bool) error {
	a.logger.InfoContext(ctx, "starting",
		slog.Bool("dry_run", a.cfg.Bot.DryRun),
		slog.Bool("concurrent_orders", a.cfg.Trading.UseConcurrentOrders),
		slog.Bool("stream_positions", a.cfg.Bot.StreamPositions),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	runner := bot.NewRunner(
		*a.cfg,
		deps.Trader,
		deps.Scanner,
		deps.Strategy,
		deps.Gate,
		deps.Positions,
		deps.Blacklist,
		deps.Stats,
		deps.Exchange,
		deps.Notifier,
		deps.Audit,
		deps.Bus,
		a.logger,
	)

	if once {
		return runner.Run(ctx, true)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(ctx, false)
	})

	if a.cfg.Bot.StreamPositions {
		monitor := feed.NewStreamMonitor(a.cfg.Polymarket.WsHost, deps.Positions, runner, a.logger)
		g.Go(func() error {
			return monitor.Run(ctx)
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
