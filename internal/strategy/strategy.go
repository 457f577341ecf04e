// Package strategy computes TP/SL levels, position sizes, and market scores
// for binary-outcome markets.
package strategy

import (
	"math"

	"github.com/avetorres/polytrader/internal/config"
)

// defaultTier is used for odds outside every configured range and for
// ranges missing from config.
var defaultTier = config.OddsTier{TPPercent: 15, SLPercent: 10}

// Strategy derives trade parameters from entry odds and market shape.
type Strategy struct {
	tiers   map[string]config.OddsTier
	weights config.ScoreWeights
}

// New creates a Strategy from config.
func New(cfg config.StrategyConfig) *Strategy {
	return &Strategy{
		tiers:   cfg.TPSLByOdds,
		weights: cfg.ScoreWeights,
	}
}

// OddsRange returns the bucket key for odds. These keys are shared with the
// stats aggregator so per-bucket performance lines up with the TP/SL tiers.
// Odds outside every bucket fall back to the middle range.
func (s *Strategy) OddsRange(odds float64) string {
	switch {
	case odds >= 0.30 && odds < 0.40:
		return "0.30-0.40"
	case odds >= 0.40 && odds < 0.50:
		return "0.40-0.50"
	case odds >= 0.50 && odds < 0.60:
		return "0.50-0.60"
	case odds >= 0.60 && odds <= 0.70:
		return "0.60-0.70"
	default:
		return "0.50-0.60"
	}
}

// OddsRanges returns every bucket key in ascending order.
func (s *Strategy) OddsRanges() []string {
	return []string{"0.30-0.40", "0.40-0.50", "0.50-0.60", "0.60-0.70"}
}

// TPSL calculates take-profit and stop-loss prices for an entry at the
// given odds, clamped into (0.01, 0.99).
func (s *Strategy) TPSL(entryOdds float64) (tp, sl float64) {
	tier, ok := s.tiers[s.OddsRange(entryOdds)]
	if !ok {
		tier = defaultTier
	}

	tp = entryOdds * (1 + tier.TPPercent/100)
	sl = entryOdds * (1 - tier.SLPercent/100)

	tp = math.Min(tp, 0.99)
	sl = math.Max(sl, 0.01)
	return tp, sl
}

// PositionSize returns the dollar size of the next trade: the lesser of the
// per-trade cap and available capital, reduced by 25% when the open-position
// count is at 80% of the limit or above, floored at $0.10 and rounded to
// cents.
func (s *Strategy) PositionSize(availableCapital, maxTradeSize float64, openPositions, maxPositions int) float64 {
	size := math.Min(maxTradeSize, availableCapital)

	if float64(openPositions) >= float64(maxPositions)*0.8 {
		size *= 0.75
	}

	size = math.Max(0.10, size)
	return math.Round(size*100) / 100
}

// Score rates a market 0-100; higher is a better entry. Components:
// tighter spread, higher volume, odds further from 0.50 (mean reversion),
// and nearer resolution all score higher. Each component is normalized to
// 0-100 and combined by the configured weights.
func (s *Strategy) Score(spreadPercent, volumeUSD, odds float64, daysToResolve int) float64 {
	// 0% spread = 100, 10%+ = 0.
	spreadScore := math.Max(0, 100-spreadPercent*10)

	// $1000+ volume = 100, $0 = 0.
	volumeScore := math.Min(100, volumeUSD/1000*100)

	// Distance from 0.50: 0.30 or 0.70 = 100, 0.50 = 0.
	oddsScore := math.Min(100, math.Abs(odds-0.50)/0.20*100)

	// 0 days out = 100, 30+ days = 0.
	timeScore := math.Max(0, 100-float64(daysToResolve)/30*100)

	w := s.weights
	totalWeight := w.Spread + w.Volume + w.OddsDistance + w.TimeToResolve
	if totalWeight == 0 {
		return 0
	}

	score := (spreadScore*w.Spread + volumeScore*w.Volume + oddsScore*w.OddsDistance + timeScore*w.TimeToResolve) / totalWeight
	return math.Round(score*100) / 100
}
