package file

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/avetorres/polytrader/internal/domain"
)

// LifetimeStats holds the monotonically accumulating lifetime counters.
// WinRate and AvgHoldTimeHours are derived and recomputed on every trade.
type LifetimeStats struct {
	TotalTrades      int     `json:"total_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalFees        float64 `json:"total_fees"`
	AvgHoldTimeHours float64 `json:"avg_hold_time_hours"`
}

// DailyStats holds per-day counters, keyed by exit date (YYYY-MM-DD).
type DailyStats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	PnL    float64 `json:"pnl"`
	Fees   float64 `json:"fees"`
}

// OddsRangeStats holds per-odds-bucket counters. AvgPnL is an incremental
// running average.
type OddsRangeStats struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	AvgPnL float64 `json:"avg_pnl"`
}

// statsSnapshot is the on-disk shape of stats.json.
type statsSnapshot struct {
	Lifetime    LifetimeStats             `json:"lifetime"`
	Daily       map[string]DailyStats     `json:"daily"`
	ByOddsRange map[string]OddsRangeStats `json:"by_odds_range"`
}

// Stats accumulates lifetime/daily/odds-bucket performance counters,
// persisted to stats.json on every recorded trade. It implements
// domain.StatsRecorder. No per-trade history is kept; persisted state stays
// O(days) + O(buckets).
type Stats struct {
	mu   sync.Mutex
	path string
	snap statsSnapshot
}

// NewStats loads (or initializes) the stats snapshot under dataDir.
// oddsRanges seeds the per-bucket map so every strategy tier appears in the
// file from the first write, trades or not.
func NewStats(dataDir string, oddsRanges []string) (*Stats, error) {
	if err := ensureDir(dataDir); err != nil {
		return nil, err
	}

	s := &Stats{
		path: filepath.Join(dataDir, "stats.json"),
		snap: statsSnapshot{
			Daily:       make(map[string]DailyStats),
			ByOddsRange: make(map[string]OddsRangeStats),
		},
	}
	if _, err := loadJSON(s.path, &s.snap); err != nil {
		return nil, err
	}
	if s.snap.Daily == nil {
		s.snap.Daily = make(map[string]DailyStats)
	}
	if s.snap.ByOddsRange == nil {
		s.snap.ByOddsRange = make(map[string]OddsRangeStats)
	}
	for _, r := range oddsRanges {
		if _, ok := s.snap.ByOddsRange[r]; !ok {
			s.snap.ByOddsRange[r] = OddsRangeStats{}
		}
	}

	return s, nil
}

var _ domain.StatsRecorder = (*Stats)(nil)

// RecordTrade folds one closed trade into every bucket and persists the
// snapshot. pnl = (exit - entry) * size - fees; a win is pnl > 0. The odds
// range is supplied by the caller (the strategy owns bucket boundaries);
// an unknown range updates lifetime and daily counters only.
func (s *Stats) RecordTrade(entryPrice, exitPrice, size, fees float64, entryTime, exitTime time.Time, oddsRange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pnl := (exitPrice-entryPrice)*size - fees
	isWin := pnl > 0
	holdHours := exitTime.Sub(entryTime).Hours()

	lt := &s.snap.Lifetime
	lt.TotalTrades++
	if isWin {
		lt.Wins++
	} else {
		lt.Losses++
	}
	lt.WinRate = float64(lt.Wins) / float64(lt.TotalTrades)
	lt.TotalPnL += pnl
	lt.TotalFees += fees
	n := float64(lt.TotalTrades)
	lt.AvgHoldTimeHours = (lt.AvgHoldTimeHours*(n-1) + holdHours) / n

	date := exitTime.Format("2006-01-02")
	day := s.snap.Daily[date]
	day.Trades++
	if isWin {
		day.Wins++
	} else {
		day.Losses++
	}
	day.PnL += pnl
	day.Fees += fees
	s.snap.Daily[date] = day

	if bucket, ok := s.snap.ByOddsRange[oddsRange]; ok {
		bucket.Trades++
		if isWin {
			bucket.Wins++
		}
		bn := float64(bucket.Trades)
		bucket.AvgPnL = (bucket.AvgPnL*(bn-1) + pnl) / bn
		s.snap.ByOddsRange[oddsRange] = bucket
	}

	return saveJSON(s.path, s.snap)
}

// DailyPnL returns the realized P&L recorded for date (YYYY-MM-DD).
func (s *Stats) DailyPnL(date string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap.Daily[date].PnL
}

// Lifetime returns a copy of the lifetime counters.
func (s *Stats) Lifetime() LifetimeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snap.Lifetime
}
