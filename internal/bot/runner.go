// Package bot implements the control loop: position lifecycle updates,
// risk-gated entries, and the wiring between scanner, strategy, executor,
// and the durable stores.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
	"github.com/avetorres/polytrader/internal/executor"
	"github.com/avetorres/polytrader/internal/notify"
	"github.com/avetorres/polytrader/internal/risk"
	"github.com/avetorres/polytrader/internal/scanner"
	"github.com/avetorres/polytrader/internal/strategy"
)

// eventsChannel is the bus channel engine events are published on.
const eventsChannel = "polytrader.events"

// Runner drives the single-writer control loop. Each tick: sweep the
// blacklist, walk open positions through fill resolution, then, if the risk
// gate and scan interval allow, scan for and place one new entry. Exits are
// always processed before new entries within a tick.
type Runner struct {
	cfg config.Config

	trader    *executor.Trader
	scanner   *scanner.Scanner
	strategy  *strategy.Strategy
	gate      *risk.Gate
	positions domain.PositionStore
	blacklist domain.Blacklist
	stats     domain.StatsRecorder
	books     scanner.Books
	notifier  *notify.Notifier
	audit     domain.AuditStore // optional
	bus       domain.EventBus   // optional
	logger    *slog.Logger

	lastScan time.Time
	now      func() time.Time

	mu      sync.Mutex
	closing map[string]bool
}

// NewRunner wires a Runner. audit and bus may be nil.
func NewRunner(
	cfg config.Config,
	trader *executor.Trader,
	scn *scanner.Scanner,
	strat *strategy.Strategy,
	gate *risk.Gate,
	positions domain.PositionStore,
	blacklist domain.Blacklist,
	stats domain.StatsRecorder,
	books scanner.Books,
	notifier *notify.Notifier,
	audit domain.AuditStore,
	bus domain.EventBus,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:       cfg,
		trader:    trader,
		scanner:   scn,
		strategy:  strat,
		gate:      gate,
		positions: positions,
		blacklist: blacklist,
		stats:     stats,
		books:     books,
		notifier:  notifier,
		audit:     audit,
		bus:       bus,
		logger:    logger.With(slog.String("component", "runner")),
		now:       time.Now,
		closing:   make(map[string]bool),
	}
}

// Run executes the control loop until ctx is cancelled. With once set, a
// single tick runs and Run returns.
func (r *Runner) Run(ctx context.Context, once bool) error {
	interval := time.Duration(r.cfg.Bot.PositionCheckIntervalSeconds) * time.Second

	for {
		r.Tick(ctx)

		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tick runs one loop iteration. Errors inside a tick are logged and do not
// stop the loop; the next tick retries naturally.
func (r *Runner) Tick(ctx context.Context) {
	r.logger.Debug("tick start", slog.Int("open_positions", r.positions.Count()))

	if err := r.blacklist.Clean(); err != nil {
		r.logger.Warn("blacklist sweep failed", slog.String("error", err.Error()))
	}

	r.updatePositions(ctx)

	allowed, reason := r.gate.Allow()
	if !allowed {
		r.logger.Info("skipping new trade", slog.String("reason", reason))
		return
	}

	scanInterval := time.Duration(r.cfg.Bot.LoopIntervalSeconds) * time.Second
	if sinceScan := r.now().Sub(r.lastScan); !r.lastScan.IsZero() && sinceScan < scanInterval {
		r.logger.Debug("waiting for scan interval",
			slog.Duration("remaining", scanInterval-sinceScan))
		return
	}

	r.placeNewTrade(ctx)
	r.lastScan = r.now()
}

// --------------------------------------------------------------------------
// Position lifecycle
// --------------------------------------------------------------------------

// updatePositions walks every open position, one at a time, routing by exit
// mode. Per-position failures never abort the walk.
func (r *Runner) updatePositions(ctx context.Context) {
	for _, pos := range r.positions.ListAll() {
		if pos.NeedsReconciliation {
			if removed := r.reconcile(ctx, &pos); removed {
				continue
			}
		}

		if pos.HasRestingExits() {
			r.updateLimitOrderPosition(ctx, pos)
		} else {
			r.updateMonitoredPosition(ctx, pos)
		}
	}
}

// reconcile re-queries an entry order whose fill was assumed at timeout and
// corrects the stored fill figures. The flag survives until a snapshot is
// actually obtained. It reports whether the position was removed as a
// phantom, in which case the caller must not evaluate it further.
func (r *Runner) reconcile(ctx context.Context, pos *domain.Position) (removed bool) {
	snap, err := r.trader.CheckOrderStatus(ctx, pos.OrderID)
	if err != nil {
		r.logger.Warn("reconciliation failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
		return false
	}

	pos.FilledSize = snap.FilledSize
	if snap.AvgPrice > 0 {
		pos.EntryPrice = snap.AvgPrice
	}
	pos.FeesPaid = snap.Fees
	pos.NeedsReconciliation = false

	if pos.FilledSize <= 0 {
		// Entry never actually filled; drop the phantom position.
		r.logger.Warn("reconciled position has zero fill, removing",
			slog.String("token_id", pos.TokenID))
		if _, err := r.positions.Remove(pos.TokenID); err != nil {
			r.logger.Error("phantom position removal failed", slog.String("error", err.Error()))
		}
		return true
	}
	if err := r.positions.Add(*pos); err != nil {
		r.logger.Error("reconciled position persist failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
	}
	return false
}

// claimExit marks a position's exit as in flight so the polling tick and the
// stream handler cannot both execute it. The position is re-read from the
// store under the claim: a copy captured before another goroutine closed the
// position is stale. The caller must release the claim when done.
func (r *Runner) claimExit(tokenID string) (domain.Position, bool) {
	r.mu.Lock()
	if r.closing[tokenID] {
		r.mu.Unlock()
		return domain.Position{}, false
	}
	r.closing[tokenID] = true
	r.mu.Unlock()

	pos, ok := r.positions.Get(tokenID)
	if !ok {
		r.releaseExit(tokenID)
		return domain.Position{}, false
	}
	return pos, true
}

func (r *Runner) releaseExit(tokenID string) {
	r.mu.Lock()
	delete(r.closing, tokenID)
	r.mu.Unlock()
}

// updateLimitOrderPosition polls the resting TP and SL orders. TP is
// evaluated first: if both legs report fills in the same tick, the position
// closes as a take-profit. The sibling leg is cancelled best-effort; a race
// where it filled anyway surfaces on the exchange side and is accepted.
func (r *Runner) updateLimitOrderPosition(ctx context.Context, pos domain.Position) {
	pos, ok := r.claimExit(pos.TokenID)
	if !ok {
		return
	}
	defer r.releaseExit(pos.TokenID)

	tpSnap, tpErr := r.trader.CheckOrderStatus(ctx, pos.TPOrderID)
	if tpErr != nil {
		r.logger.Warn("tp status check failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", tpErr.Error()))
	}
	slSnap, slErr := r.trader.CheckOrderStatus(ctx, pos.SLOrderID)
	if slErr != nil {
		r.logger.Warn("sl status check failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", slErr.Error()))
	}

	if tpErr == nil && filled(tpSnap) {
		r.logger.Info("take profit filled",
			slog.String("token_id", pos.TokenID),
			slog.Float64("avg_price", tpSnap.AvgPrice))
		r.trader.CancelOrder(ctx, pos.SLOrderID)
		r.closePosition(ctx, pos, tpSnap.AvgPrice, tpSnap.FilledSize, tpSnap.Fees, false)
		return
	}

	if slErr == nil && filled(slSnap) {
		r.logger.Info("stop loss filled",
			slog.String("token_id", pos.TokenID),
			slog.Float64("avg_price", slSnap.AvgPrice))
		r.trader.CancelOrder(ctx, pos.TPOrderID)
		r.closePosition(ctx, pos, slSnap.AvgPrice, slSnap.FilledSize, slSnap.Fees, true)
		return
	}

	r.logger.Debug("position resting",
		slog.String("token_id", pos.TokenID),
		slog.String("tp_status", string(tpSnap.Status)),
		slog.String("sl_status", string(slSnap.Status)))
}

// updateMonitoredPosition fetches the order book and evaluates the
// position's TP/SL levels against it.
func (r *Runner) updateMonitoredPosition(ctx context.Context, pos domain.Position) {
	book, err := r.books.GetOrderBook(ctx, pos.TokenID)
	if err != nil {
		r.logger.Warn("orderbook fetch failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
		return
	}
	r.evaluateMonitored(ctx, pos, book)
}

// HandleBook is the streaming-mode entry point: a real-time order-book
// snapshot drives the same exit evaluation the polling loop performs, with
// identical rollback and fill semantics.
func (r *Runner) HandleBook(ctx context.Context, book domain.OrderbookSnapshot) {
	pos, ok := r.positions.Get(book.TokenID)
	if !ok {
		return
	}
	if pos.HasRestingExits() {
		r.updateLimitOrderPosition(ctx, pos)
		return
	}
	r.evaluateMonitored(ctx, pos, book)
}

// evaluateMonitored fires a market sell when the book breaches the
// position's TP or SL level. TP is evaluated first. The stop-loss sell runs
// as an emergency exit so the safety floor cannot block it. The exit runs
// under the position's claim: when the polling tick and the stream handler
// race on the same breach, only one executes the sell.
func (r *Runner) evaluateMonitored(ctx context.Context, pos domain.Position, book domain.OrderbookSnapshot) {
	if book.BestBid <= 0 {
		r.logger.Warn("no bids, holding", slog.String("token_id", pos.TokenID))
		return
	}

	pos, ok := r.claimExit(pos.TokenID)
	if !ok {
		return
	}
	defer r.releaseExit(pos.TokenID)

	isStopLoss := false
	switch {
	case book.BestBid >= pos.TakeProfit:
	case book.BestBid <= pos.StopLoss:
		isStopLoss = true
	default:
		r.logger.Debug("position holding",
			slog.String("token_id", pos.TokenID),
			slog.Float64("bid", book.BestBid),
			slog.Float64("tp", pos.TakeProfit),
			slog.Float64("sl", pos.StopLoss))
		return
	}

	fill, err := r.trader.ExecuteSell(ctx, pos.TokenID, book.BestBid, pos.FilledSize, pos.EntryPrice, isStopLoss)
	if err != nil {
		r.logger.Error("exit sell failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
		return
	}

	r.closePosition(ctx, pos, fill.AvgPrice, fill.FilledSize, fill.FeesPaid, isStopLoss)
}

// closePosition records the trade, blacklists on stop-loss, removes the
// position, and emits observers' events.
func (r *Runner) closePosition(ctx context.Context, pos domain.Position, exitPrice, exitSize, fees float64, stopLoss bool) {
	oddsRange := r.strategy.OddsRange(pos.EntryPrice)
	if err := r.stats.RecordTrade(pos.EntryPrice, exitPrice, exitSize, fees, pos.EntryTimestamp(), r.now(), oddsRange); err != nil {
		r.logger.Error("trade record failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
	}

	if stopLoss {
		duration := time.Duration(r.cfg.Blacklist.DurationDays) * 24 * time.Hour
		if err := r.blacklist.Block(pos.TokenID, "stop_loss", duration, r.cfg.Blacklist.MaxAttempts); err != nil {
			r.logger.Error("blacklist update failed",
				slog.String("token_id", pos.TokenID),
				slog.String("error", err.Error()))
		}
	}

	if _, err := r.positions.Remove(pos.TokenID); err != nil {
		r.logger.Error("position removal failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
		return
	}

	kind := "TP"
	if stopLoss {
		kind = "SL"
	}
	r.logger.Info("position closed",
		slog.String("token_id", pos.TokenID),
		slog.String("kind", kind),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("size", exitSize))

	pnl := (exitPrice-pos.EntryPrice)*exitSize - fees
	r.emit(ctx, "position_closed", map[string]any{
		"token_id":   pos.TokenID,
		"kind":       kind,
		"exit_price": exitPrice,
		"size":       exitSize,
		"pnl":        pnl,
	})
	r.notifier.Notify(ctx, "position_closed", "Position closed",
		fmt.Sprintf("%s %s @ %.4f, pnl %.2f", kind, shortToken(pos.TokenID), exitPrice, pnl))
}

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// placeNewTrade scans for the best candidate and opens a position through
// the configured entry flow.
func (r *Runner) placeNewTrade(ctx context.Context) {
	candidate, ok, err := r.scanner.PickBest(ctx)
	if err != nil {
		r.logger.Error("scan failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		r.logger.Info("no suitable candidate found")
		return
	}

	price := candidate.BestAsk
	available := r.gate.AvailableCapital(ctx)

	sizeUSD := r.strategy.PositionSize(available, r.cfg.Capital.MaxTradeSize, r.positions.Count(), r.cfg.Risk.MaxPositions)
	if sizeUSD <= 0 || available <= 0 {
		r.logger.Info("no available capital for new trade")
		return
	}
	sizeShares := roundShares(sizeUSD / price)
	if sizeShares <= 0 {
		r.logger.Info("calculated size too small, skipping")
		return
	}

	tp, sl := r.strategy.TPSL(price)
	r.logger.Info("candidate selected",
		slog.String("token_id", candidate.TokenID),
		slog.Float64("score", candidate.Score),
		slog.Float64("odds", candidate.Odds),
		slog.Float64("spread_pct", candidate.SpreadPercent),
		slog.Float64("volume_usd", candidate.VolumeUSD))

	if r.cfg.Trading.UseConcurrentOrders {
		r.enterWithExits(ctx, candidate, price, sizeShares, tp, sl)
	} else {
		r.enterMonitored(ctx, candidate, price, sizeShares, tp, sl)
	}
}

// enterWithExits opens a position with resting TP/SL limit orders, via the
// pre-signed batch when configured.
func (r *Runner) enterWithExits(ctx context.Context, cand domain.Candidate, price, size, tp, sl float64) {
	r.logger.Info("placing buy with concurrent exits",
		slog.Float64("size", size),
		slog.Float64("price", price),
		slog.Float64("tp", tp),
		slog.Float64("sl", sl),
		slog.Bool("batch", r.cfg.Trading.UseBatchSigning))

	var result domain.EntryResult
	var err error
	if r.cfg.Trading.UseBatchSigning {
		result, err = r.trader.ExecutePairedBuyWithBatch(ctx, cand.TokenID, price, size, tp, sl)
	} else {
		result, err = r.trader.ExecuteBuyWithExits(ctx, cand.TokenID, price, size, tp, sl)
	}
	if err != nil {
		r.logger.Error("entry failed",
			slog.String("token_id", cand.TokenID),
			slog.String("error", err.Error()))
		r.notifier.Notify(ctx, "error", "Entry failed", err.Error())
		return
	}

	fill := result.BuyFill
	pos := domain.Position{
		TokenID:             cand.TokenID,
		EntryPrice:          fill.AvgPrice,
		Size:                size,
		FilledSize:          fill.FilledSize,
		EntryTime:           r.now().UTC().Format(time.RFC3339),
		TakeProfit:          tp,
		StopLoss:            sl,
		FeesPaid:            fill.FeesPaid,
		OrderID:             fill.OrderID,
		TPOrderID:           result.TPOrderID,
		SLOrderID:           result.SLOrderID,
		ExitMode:            result.ExitMode(),
		NeedsReconciliation: fill.Unverified,
	}
	r.openPosition(ctx, pos)

	if pos.ExitMode == domain.ExitModeMonitor {
		r.logger.Warn("limit exits not resting, falling back to monitoring",
			slog.String("token_id", cand.TokenID))
	}
}

// enterMonitored opens a position with a plain buy; exits are handled by
// order-book monitoring.
func (r *Runner) enterMonitored(ctx context.Context, cand domain.Candidate, price, size, tp, sl float64) {
	r.logger.Info("placing buy",
		slog.Float64("size", size),
		slog.Float64("price", price),
		slog.Float64("tp", tp),
		slog.Float64("sl", sl))

	fill, err := r.trader.ExecuteBuy(ctx, cand.TokenID, price, size)
	if err != nil {
		r.logger.Error("entry failed",
			slog.String("token_id", cand.TokenID),
			slog.String("error", err.Error()))
		r.notifier.Notify(ctx, "error", "Entry failed", err.Error())
		return
	}
	if fill.FilledSize <= 0 {
		r.logger.Warn("buy filled nothing, no position created",
			slog.String("token_id", cand.TokenID))
		r.trader.CancelOrder(ctx, fill.OrderID)
		return
	}

	pos := domain.Position{
		TokenID:             cand.TokenID,
		EntryPrice:          fill.AvgPrice,
		Size:                size,
		FilledSize:          fill.FilledSize,
		EntryTime:           r.now().UTC().Format(time.RFC3339),
		TakeProfit:          tp,
		StopLoss:            sl,
		FeesPaid:            fill.FeesPaid,
		OrderID:             fill.OrderID,
		ExitMode:            domain.ExitModeMonitor,
		NeedsReconciliation: fill.Unverified,
	}
	r.openPosition(ctx, pos)
}

// openPosition persists a new position, stamps the cooldown, and emits
// events.
func (r *Runner) openPosition(ctx context.Context, pos domain.Position) {
	if err := r.positions.Add(pos); err != nil {
		r.logger.Error("position persist failed",
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()))
		return
	}
	r.gate.RecordEntry()

	r.logger.Info("position opened",
		slog.String("token_id", pos.TokenID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("filled_size", pos.FilledSize),
		slog.String("exit_mode", string(pos.ExitMode)))

	r.emit(ctx, "position_opened", map[string]any{
		"token_id":    pos.TokenID,
		"entry_price": pos.EntryPrice,
		"size":        pos.FilledSize,
		"tp":          pos.TakeProfit,
		"sl":          pos.StopLoss,
		"exit_mode":   string(pos.ExitMode),
	})
	r.notifier.Notify(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s size %.2f @ %.4f", shortToken(pos.TokenID), pos.FilledSize, pos.EntryPrice))
}

// --------------------------------------------------------------------------
// Observers
// --------------------------------------------------------------------------

// emit records an event to the audit log and publishes it on the bus. Both
// are optional and best-effort.
func (r *Runner) emit(ctx context.Context, event string, detail map[string]any) {
	if r.audit != nil {
		if err := r.audit.Log(ctx, event, detail); err != nil {
			r.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		payload, err := json.Marshal(map[string]any{"event": event, "detail": detail, "ts": r.now().UTC()})
		if err == nil {
			if err := r.bus.Publish(ctx, eventsChannel, payload); err != nil {
				r.logger.Warn("event publish failed", slog.String("event", event), slog.String("error", err.Error()))
			}
		}
	}
}

// filled reports whether a resting limit order has (partially) executed.
func filled(snap domain.OrderSnapshot) bool {
	return snap.Status == domain.OrderStatusFilled || snap.Status == domain.OrderStatusPartial
}

// roundShares rounds a share quantity to 4 decimal places.
func roundShares(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

// shortToken abbreviates a token ID for human-facing messages.
func shortToken(tokenID string) string {
	if len(tokenID) <= 8 {
		return tokenID
	}
	return tokenID[:8] + "..."
}
