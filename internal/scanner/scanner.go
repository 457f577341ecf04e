// Package scanner discovers, filters, and ranks entry candidates from the
// exchange's market catalog.
package scanner

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
	"github.com/avetorres/polytrader/internal/platform/polymarket"
)

// unknownResolveDays stands in for markets with no usable end date; it fails
// the max-days filter by construction.
const unknownResolveDays = 9999

// Books fetches order books; satisfied by the exchange client.
type Books interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error)
}

// Markets lists candidate markets; satisfied by the Gamma client.
type Markets interface {
	ListActiveMarkets(ctx context.Context, limit int) ([]polymarket.Market, error)
}

// Scorer rates a market; satisfied by the strategy.
type Scorer interface {
	Score(spreadPercent, volumeUSD, odds float64, daysToResolve int) float64
}

// Excluder reports tokens that must not be entered (open positions and
// blacklisted tokens).
type Excluder func(tokenID string) bool

// Scanner produces ranked entry candidates.
type Scanner struct {
	markets Markets
	books   Books
	scorer  Scorer
	exclude Excluder
	cfg     config.ScannerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Scanner. exclude may be nil.
func New(markets Markets, books Books, scorer Scorer, exclude Excluder, cfg config.ScannerConfig, logger *slog.Logger) *Scanner {
	if exclude == nil {
		exclude = func(string) bool { return false }
	}
	return &Scanner{
		markets: markets,
		books:   books,
		scorer:  scorer,
		exclude: exclude,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scanner")),
		now:     time.Now,
	}
}

// Scan fetches up to the configured number of markets, filters them, and
// returns surviving candidates sorted by score descending. Per-market
// failures are logged and skipped, never fatal.
func (s *Scanner) Scan(ctx context.Context) ([]domain.Candidate, error) {
	markets, err := s.markets.ListActiveMarkets(ctx, s.cfg.MaxMarkets)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(markets))
	for i, m := range markets {
		if i%5 == 0 {
			s.logger.Info("scanning markets", slog.Int("at", i+1), slog.Int("total", len(markets)))
		}
		cand, ok := s.analyze(ctx, m)
		if ok {
			candidates = append(candidates, cand)
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

// PickBest returns the highest-scoring candidate, or ok=false when nothing
// survives the filters.
func (s *Scanner) PickBest(ctx context.Context) (domain.Candidate, bool, error) {
	candidates, err := s.Scan(ctx)
	if err != nil {
		return domain.Candidate{}, false, err
	}
	if len(candidates) == 0 {
		return domain.Candidate{}, false, nil
	}
	return candidates[0], true, nil
}

// analyze builds and filters a candidate from one market. The first outcome
// token is the tradable side.
func (s *Scanner) analyze(ctx context.Context, m polymarket.Market) (domain.Candidate, bool) {
	if len(m.TokenIDs) == 0 {
		return domain.Candidate{}, false
	}
	tokenID := m.TokenIDs[0]

	if s.exclude(tokenID) {
		return domain.Candidate{}, false
	}

	book, err := s.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		// No orderbook means zero liquidity, not a scan failure.
		s.logger.Debug("market skipped", slog.String("token_id", tokenID), slog.String("error", err.Error()))
		return domain.Candidate{}, false
	}
	if book.BestBid <= 0 || book.BestAsk <= 0 {
		return domain.Candidate{}, false
	}

	odds := book.MidPrice()
	spread := spreadPercent(book.BestBid, book.BestAsk)
	days := s.daysToResolve(m.EndDate)

	if odds < s.cfg.MinOdds || odds > s.cfg.MaxOdds {
		return domain.Candidate{}, false
	}
	if spread > s.cfg.MaxSpreadPercent {
		return domain.Candidate{}, false
	}
	if m.Volume < s.cfg.MinVolumeUSD {
		return domain.Candidate{}, false
	}
	if days > s.cfg.MaxDaysToResolve {
		return domain.Candidate{}, false
	}

	return domain.Candidate{
		TokenID:       tokenID,
		Question:      m.Question,
		Odds:          round4(odds),
		BestBid:       round4(book.BestBid),
		BestAsk:       round4(book.BestAsk),
		SpreadPercent: math.Round(spread*100) / 100,
		VolumeUSD:     math.Round(m.Volume*100) / 100,
		DaysToResolve: days,
		Score:         s.scorer.Score(spread, m.Volume, odds, days),
	}, true
}

// daysToResolve converts an end date into whole days from now, clamped at
// zero. A zero end date reports unknownResolveDays.
func (s *Scanner) daysToResolve(end time.Time) int {
	if end.IsZero() {
		return unknownResolveDays
	}
	days := int(end.Sub(s.now()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// spreadPercent is the bid/ask gap relative to the midpoint, in percent.
func spreadPercent(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
