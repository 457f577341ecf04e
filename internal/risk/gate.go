// Package risk implements the pre-entry risk gate and capital accounting.
package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
)

// Balances fetches the live collateral balance; satisfied by the exchange
// client.
type Balances interface {
	GetBalance(ctx context.Context) (float64, error)
}

// Gate decides whether a new entry is allowed and how much capital it may
// commit. Checks run in a fixed order and short-circuit on the first
// failure.
type Gate struct {
	positions domain.PositionStore
	stats     domain.StatsRecorder
	balances  Balances
	logger    *slog.Logger

	risk    config.RiskConfig
	capital config.CapitalConfig
	dryRun  bool

	lastEntry time.Time
	now       func() time.Time
}

// NewGate creates a Gate. balances may be nil (dry-run), disabling the live
// balance cap.
func NewGate(
	positions domain.PositionStore,
	stats domain.StatsRecorder,
	balances Balances,
	riskCfg config.RiskConfig,
	capitalCfg config.CapitalConfig,
	dryRun bool,
	logger *slog.Logger,
) *Gate {
	return &Gate{
		positions: positions,
		stats:     stats,
		balances:  balances,
		logger:    logger.With(slog.String("component", "risk")),
		risk:      riskCfg,
		capital:   capitalCfg,
		dryRun:    dryRun,
		now:       time.Now,
	}
}

// Allow evaluates the entry checks in order: position count, entry cooldown,
// daily loss limit. The returned reason is empty when the entry is
// permitted.
func (g *Gate) Allow() (bool, string) {
	if g.positions.Count() >= g.risk.MaxPositions {
		return false, "max_positions reached"
	}

	if !g.lastEntry.IsZero() {
		cooldown := time.Duration(g.risk.CooldownSeconds) * time.Second
		if g.now().Sub(g.lastEntry) < cooldown {
			return false, "cooldown active"
		}
	}

	today := g.now().Format("2006-01-02")
	if g.stats.DailyPnL(today) <= -math.Abs(g.risk.DailyLossLimit) {
		return false, "daily loss limit reached"
	}

	return true, ""
}

// RecordEntry marks now as the most recent entry time for cooldown purposes.
func (g *Gate) RecordEntry() {
	g.lastEntry = g.now()
}

// AvailableCapital returns the capital a new trade may commit: total minus
// the safety reserve minus the sum committed to open positions, further
// capped by the live exchange balance (minus the reserve) when the fetch
// succeeds. A failed fetch falls back to the local figure with a warning;
// trading availability wins over perfect accuracy.
func (g *Gate) AvailableCapital(ctx context.Context) float64 {
	committed := 0.0
	for _, pos := range g.positions.ListAll() {
		committed += pos.Committed()
	}

	available := g.capital.Total - g.capital.SafetyReserve - committed

	if g.balances != nil && !g.dryRun {
		balance, err := g.balances.GetBalance(ctx)
		if err != nil {
			g.logger.Warn("live balance fetch failed, using local figure",
				slog.Float64("available", available),
				slog.String("error", err.Error()))
		} else {
			available = math.Min(available, balance-g.capital.SafetyReserve)
		}
	}

	if available < 0 {
		return 0
	}
	return available
}
