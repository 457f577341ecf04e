package bot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
	"github.com/avetorres/polytrader/internal/executor"
	"github.com/avetorres/polytrader/internal/notify"
	"github.com/avetorres/polytrader/internal/platform/polymarket"
	"github.com/avetorres/polytrader/internal/risk"
	"github.com/avetorres/polytrader/internal/scanner"
	"github.com/avetorres/polytrader/internal/store/file"
	"github.com/avetorres/polytrader/internal/strategy"
)

// fakeExchange drives the trader and book fetches from canned data.
type fakeExchange struct {
	mu       sync.Mutex
	orders   map[string]domain.OrderSnapshot
	books    map[string]domain.OrderbookSnapshot
	posted   []domain.OrderRequest
	canceled []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders: make(map[string]domain.OrderSnapshot),
		books:  make(map[string]domain.OrderbookSnapshot),
	}
}

func (f *fakeExchange) PostOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, req)
	id := "order-" + req.TokenID
	f.orders[id] = domain.OrderSnapshot{
		OrderID:    id,
		Status:     domain.OrderStatusFilled,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
	}
	return id, nil
}

func (f *fakeExchange) SignOrder(req domain.OrderRequest) (domain.SignedOrder, error) {
	return domain.SignedOrder{Request: req, Payload: []byte("{}")}, nil
}

func (f *fakeExchange) PostSignedOrder(ctx context.Context, signed domain.SignedOrder) (string, error) {
	return f.PostOrder(ctx, signed.Request)
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (domain.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.orders[orderID]
	if !ok {
		return domain.OrderSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeExchange) GetOrderBook(_ context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	book, ok := f.books[tokenID]
	if !ok {
		return domain.OrderbookSnapshot{}, domain.ErrNoOrderbook
	}
	return book, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) GetBalance(context.Context) (float64, error) {
	return 0, nil
}

func (f *fakeExchange) setOrder(snap domain.OrderSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[snap.OrderID] = snap
}

func (f *fakeExchange) setBook(tokenID string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[tokenID] = domain.OrderbookSnapshot{TokenID: tokenID, BestBid: bid, BestAsk: ask}
}

func (f *fakeExchange) canceledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

type fakeMarkets struct {
	markets []polymarket.Market
}

func (f *fakeMarkets) ListActiveMarkets(context.Context, int) ([]polymarket.Market, error) {
	return f.markets, nil
}

// memoryBus collects published events in memory.
type memoryBus struct {
	mu     sync.Mutex
	events []string
}

func (b *memoryBus) Publish(_ context.Context, _ string, payload []byte) error {
	var msg struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, msg.Event)
	b.mu.Unlock()
	return nil
}

func (b *memoryBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// harness bundles a Runner with the stores and fakes behind it.
type harness struct {
	runner    *Runner
	client    *fakeExchange
	markets   *fakeMarkets
	positions *file.PositionStore
	blacklist *file.Blacklist
	stats     *file.Stats
	bus       *memoryBus
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Bot.DryRun = false
	cfg.Bot.OrderTimeoutSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	strat := strategy.New(cfg.Strategy)

	positions, err := file.NewPositionStore(dir)
	require.NoError(t, err)
	blacklist, err := file.NewBlacklist(dir)
	require.NoError(t, err)
	stats, err := file.NewStats(dir, strat.OddsRanges())
	require.NoError(t, err)

	client := newFakeExchange()
	gate := executor.NewGate(60000, 1, time.Millisecond, logger)
	trader := executor.NewTrader(client, gate, cfg.Bot, cfg.Risk.MinSellPriceRatio, logger)

	markets := &fakeMarkets{}
	exclude := func(tokenID string) bool {
		return positions.Has(tokenID) || blacklist.IsBlacklisted(tokenID)
	}
	scn := scanner.New(markets, client, strat, exclude, cfg.Scanner, logger)

	riskGate := risk.NewGate(positions, stats, nil, cfg.Risk, cfg.Capital, cfg.Bot.DryRun, logger)
	notifier := notify.New(cfg.Notify, logger)
	bus := &memoryBus{}

	runner := NewRunner(cfg, trader, scn, strat, riskGate, positions, blacklist, stats, client, notifier, nil, bus, logger)

	return &harness{
		runner:    runner,
		client:    client,
		markets:   markets,
		positions: positions,
		blacklist: blacklist,
		stats:     stats,
		bus:       bus,
	}
}

func monitoredPosition(tokenID string) domain.Position {
	return domain.Position{
		TokenID:    tokenID,
		EntryPrice: 0.50,
		Size:       10,
		FilledSize: 10,
		EntryTime:  time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
		TakeProfit: 0.60,
		StopLoss:   0.45,
		OrderID:    "entry-1",
		ExitMode:   domain.ExitModeMonitor,
	}
}

func TestMonitoredTakeProfit(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))
	h.client.setBook("tok", 0.65, 0.66)

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"), "position closes when the bid clears tp")
	assert.False(t, h.blacklist.IsBlacklisted("tok"), "take profit never blacklists")

	lt := h.stats.Lifetime()
	assert.Equal(t, 1, lt.TotalTrades)
	assert.Equal(t, 1, lt.Wins)
	assert.InDelta(t, 1.5, lt.TotalPnL, 1e-9) // (0.65-0.50)*10
	assert.Contains(t, h.bus.published(), "position_closed")
}

func TestMonitoredStopLossBlacklists(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))
	// bid below both sl and the 0.25 safety floor: only an emergency sell passes
	h.client.setBook("tok", 0.20, 0.22)

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"))
	assert.True(t, h.blacklist.IsBlacklisted("tok"), "stop loss blacklists the token")

	lt := h.stats.Lifetime()
	assert.Equal(t, 1, lt.Losses)
	assert.InDelta(t, -3.0, lt.TotalPnL, 1e-9) // (0.20-0.50)*10
}

func TestMonitoredPositionHolds(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))
	h.client.setBook("tok", 0.52, 0.54)

	h.runner.Tick(context.Background())

	assert.True(t, h.positions.Has("tok"), "bid between sl and tp holds")
	assert.Empty(t, h.client.posted)
}

func TestLimitOrderTakeProfitWinsTie(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.TPOrderID = "tp-1"
	pos.SLOrderID = "sl-1"
	pos.ExitMode = domain.ExitModeLimitOrders
	require.NoError(t, h.positions.Add(pos))

	// both legs report filled in the same tick; tp must win
	h.client.setOrder(domain.OrderSnapshot{OrderID: "tp-1", Status: domain.OrderStatusFilled, FilledSize: 10, AvgPrice: 0.60})
	h.client.setOrder(domain.OrderSnapshot{OrderID: "sl-1", Status: domain.OrderStatusFilled, FilledSize: 10, AvgPrice: 0.45})

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"))
	assert.False(t, h.blacklist.IsBlacklisted("tok"), "tie closes as take profit")
	assert.Contains(t, h.client.canceledOrders(), "sl-1")

	lt := h.stats.Lifetime()
	assert.Equal(t, 1, lt.Wins)
	assert.InDelta(t, 1.0, lt.TotalPnL, 1e-9) // (0.60-0.50)*10
}

func TestLimitOrderStopLoss(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.TPOrderID = "tp-1"
	pos.SLOrderID = "sl-1"
	pos.ExitMode = domain.ExitModeLimitOrders
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "tp-1", Status: domain.OrderStatusOpen})
	h.client.setOrder(domain.OrderSnapshot{OrderID: "sl-1", Status: domain.OrderStatusFilled, FilledSize: 10, AvgPrice: 0.45})

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"))
	assert.True(t, h.blacklist.IsBlacklisted("tok"))
	assert.Contains(t, h.client.canceledOrders(), "tp-1")
}

func TestLimitOrderStillResting(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.TPOrderID = "tp-1"
	pos.SLOrderID = "sl-1"
	pos.ExitMode = domain.ExitModeLimitOrders
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "tp-1", Status: domain.OrderStatusOpen})
	h.client.setOrder(domain.OrderSnapshot{OrderID: "sl-1", Status: domain.OrderStatusOpen})

	h.runner.Tick(context.Background())

	assert.True(t, h.positions.Has("tok"))
	assert.Empty(t, h.client.canceledOrders())
}

func TestTickPlacesNewTrade(t *testing.T) {
	h := newHarness(t, nil)
	h.markets.markets = []polymarket.Market{{
		ID:       "m1",
		Question: "will it happen?",
		Active:   true,
		TokenIDs: []string{"tok", "tok-no"},
		Volume:   500,
		EndDate:  time.Now().Add(10 * 24 * time.Hour),
	}}
	h.client.setBook("tok", 0.48, 0.52)

	h.runner.Tick(context.Background())

	require.True(t, h.positions.Has("tok"))
	pos, _ := h.positions.Get("tok")
	assert.Equal(t, domain.ExitModeMonitor, pos.ExitMode)
	assert.InDelta(t, 0.52, pos.EntryPrice, 1e-9, "entry at best ask")
	assert.Greater(t, pos.TakeProfit, pos.EntryPrice)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)
	assert.Contains(t, h.bus.published(), "position_opened")
}

func TestTickRespectsScanInterval(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Risk.CooldownSeconds = 0
	})
	h.markets.markets = []polymarket.Market{{
		ID:       "m1",
		Active:   true,
		TokenIDs: []string{"tok", "tok-no"},
		Volume:   500,
		EndDate:  time.Now().Add(10 * 24 * time.Hour),
	}}
	h.client.setBook("tok", 0.48, 0.52)

	h.runner.Tick(context.Background())
	require.True(t, h.positions.Has("tok"))
	entriesAfterFirst := len(h.client.posted)

	// second tick inside the scan interval must not scan again
	h.runner.Tick(context.Background())
	assert.Len(t, h.client.posted, entriesAfterFirst)
}

func TestTickSkipsEntryWhenGateBlocks(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Risk.MaxPositions = 1
	})
	require.NoError(t, h.positions.Add(monitoredPosition("held")))
	h.client.setBook("held", 0.52, 0.54)

	h.markets.markets = []polymarket.Market{{
		ID:       "m1",
		Active:   true,
		TokenIDs: []string{"tok", "tok-no"},
		Volume:   500,
		EndDate:  time.Now().Add(10 * 24 * time.Hour),
	}}
	h.client.setBook("tok", 0.48, 0.52)

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"), "full book blocks new entries")
}

func TestHandleBookStreamsExit(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))

	book := domain.OrderbookSnapshot{TokenID: "tok", BestBid: 0.65, BestAsk: 0.66}
	h.runner.HandleBook(context.Background(), book)

	assert.False(t, h.positions.Has("tok"))
	assert.Equal(t, 1, h.stats.Lifetime().Wins)
}

func TestHandleBookIgnoresUnknownToken(t *testing.T) {
	h := newHarness(t, nil)

	book := domain.OrderbookSnapshot{TokenID: "stranger", BestBid: 0.65, BestAsk: 0.66}
	h.runner.HandleBook(context.Background(), book)

	assert.Empty(t, h.client.posted)
}

func TestReconcileCorrectsAssumedFill(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.NeedsReconciliation = true
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "entry-1", Status: domain.OrderStatusFilled, FilledSize: 7, AvgPrice: 0.51})
	// keep the position holding so the tick stops after reconciliation
	h.client.setBook("tok", 0.52, 0.54)

	h.runner.Tick(context.Background())

	got, ok := h.positions.Get("tok")
	require.True(t, ok)
	assert.False(t, got.NeedsReconciliation)
	assert.Equal(t, 7.0, got.FilledSize)
	assert.Equal(t, 0.51, got.EntryPrice)
}

func TestReconcileRemovesPhantomPosition(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.NeedsReconciliation = true
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "entry-1", Status: domain.OrderStatusCanceled})

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"), "a zero-fill entry is not a position")
}

func TestReconcilePhantomSkipsExitEvaluation(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.NeedsReconciliation = true
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "entry-1", Status: domain.OrderStatusCanceled})
	// bid breaching sl: the removed phantom must not trade or blacklist on
	// its way out of the walk
	h.client.setBook("tok", 0.40, 0.42)

	h.runner.Tick(context.Background())

	assert.False(t, h.positions.Has("tok"))
	assert.False(t, h.blacklist.IsBlacklisted("tok"), "a zero-fill entry never held a position")
	assert.Equal(t, 0, h.stats.Lifetime().TotalTrades)
	assert.Empty(t, h.client.posted, "no exit sell for a phantom")
}

func TestStaleCopyDoesNotDoubleClose(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))
	stale, ok := h.positions.Get("tok")
	require.True(t, ok)

	book := domain.OrderbookSnapshot{TokenID: "tok", BestBid: 0.65, BestAsk: 0.66}
	h.runner.HandleBook(context.Background(), book)
	require.False(t, h.positions.Has("tok"))

	// the polling walk may still hold a copy captured before the stream
	// closed the position; evaluating it again must not sell
	h.runner.evaluateMonitored(context.Background(), stale, book)

	assert.Equal(t, 1, h.stats.Lifetime().TotalTrades)
	assert.Len(t, h.client.posted, 1)
}

func TestExitClaimSerializesStreamAndTick(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.positions.Add(monitoredPosition("tok")))

	_, ok := h.runner.claimExit("tok")
	require.True(t, ok)

	book := domain.OrderbookSnapshot{TokenID: "tok", BestBid: 0.65, BestAsk: 0.66}
	h.runner.HandleBook(context.Background(), book)

	assert.True(t, h.positions.Has("tok"), "exit in flight elsewhere, handler stands down")
	assert.Empty(t, h.client.posted)

	h.runner.releaseExit("tok")
	h.runner.HandleBook(context.Background(), book)
	assert.False(t, h.positions.Has("tok"))
}

func TestLimitOrderExitClosesOnce(t *testing.T) {
	h := newHarness(t, nil)

	pos := monitoredPosition("tok")
	pos.TPOrderID = "tp-1"
	pos.SLOrderID = "sl-1"
	pos.ExitMode = domain.ExitModeLimitOrders
	require.NoError(t, h.positions.Add(pos))

	h.client.setOrder(domain.OrderSnapshot{OrderID: "tp-1", Status: domain.OrderStatusFilled, FilledSize: 10, AvgPrice: 0.60})
	h.client.setOrder(domain.OrderSnapshot{OrderID: "sl-1", Status: domain.OrderStatusOpen})

	h.runner.Tick(context.Background())
	require.False(t, h.positions.Has("tok"))
	require.Equal(t, 1, h.stats.Lifetime().TotalTrades)

	// a stale copy from before the close must not record a second trade
	h.runner.updateLimitOrderPosition(context.Background(), pos)
	assert.Equal(t, 1, h.stats.Lifetime().TotalTrades)
}

func TestRoundShares(t *testing.T) {
	assert.Equal(t, 1.9231, roundShares(1.92307))
	assert.Equal(t, 0.0, roundShares(0))
}
