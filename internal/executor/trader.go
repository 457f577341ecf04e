// Package executor implements the order execution protocol: rate-limited,
// retried submission, fill resolution, concurrent TP/SL placement with
// rollback, and pre-signed batch entry.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
)

// fillPollInterval is how often fill resolution re-queries an order.
const fillPollInterval = 2 * time.Second

// Trader executes orders against the exchange through the rate-limiting
// gate. In dry-run mode no network call is made for order placement;
// orders are treated as fully filled at the requested price with zero fees.
type Trader struct {
	client domain.ExchangeClient
	gate   *Gate
	logger *slog.Logger

	dryRun       bool
	orderTimeout time.Duration
	minSellRatio float64
	fillPolicy   string
}

// NewTrader creates a Trader. fillPolicy is one of the config fill-timeout
// policies and controls what is reported when a fill cannot be verified
// before orderTimeout.
func NewTrader(
	client domain.ExchangeClient,
	gate *Gate,
	cfg config.BotConfig,
	minSellRatio float64,
	logger *slog.Logger,
) *Trader {
	return &Trader{
		client:       client,
		gate:         gate,
		logger:       logger.With(slog.String("component", "trader")),
		dryRun:       cfg.DryRun,
		orderTimeout: time.Duration(cfg.OrderTimeoutSeconds) * time.Second,
		minSellRatio: minSellRatio,
		fillPolicy:   cfg.FillTimeoutPolicy,
	}
}

// ExecuteBuy submits a buy order and resolves its fill.
func (t *Trader) ExecuteBuy(ctx context.Context, tokenID string, price, size float64) (domain.TradeFill, error) {
	req := domain.OrderRequest{TokenID: tokenID, Price: price, Size: size, Side: domain.OrderSideBuy}

	if t.dryRun {
		return t.syntheticFill(req), nil
	}

	orderID, err := Call(ctx, t.gate, "post_order", func(ctx context.Context) (string, error) {
		return t.client.PostOrder(ctx, req)
	})
	if err != nil {
		return domain.TradeFill{}, fmt.Errorf("executor: buy %s: %w", tokenID, err)
	}

	return t.resolveFill(ctx, orderID, req), nil
}

// ExecuteSell submits a sell order and resolves its fill. Unless emergency
// is set, the price must clear the safety floor entryPrice * minSellRatio;
// a violation fails with ErrSellBelowFloor before any network call.
func (t *Trader) ExecuteSell(ctx context.Context, tokenID string, price, size, entryPrice float64, emergency bool) (domain.TradeFill, error) {
	if !emergency {
		floor := entryPrice * t.minSellRatio
		if price < floor {
			return domain.TradeFill{}, fmt.Errorf("executor: sell %s at %.4f (floor %.4f): %w",
				tokenID, price, floor, domain.ErrSellBelowFloor)
		}
	}

	req := domain.OrderRequest{TokenID: tokenID, Price: price, Size: size, Side: domain.OrderSideSell}

	if t.dryRun {
		return t.syntheticFill(req), nil
	}

	orderID, err := Call(ctx, t.gate, "post_order", func(ctx context.Context) (string, error) {
		return t.client.PostOrder(ctx, req)
	})
	if err != nil {
		return domain.TradeFill{}, fmt.Errorf("executor: sell %s: %w", tokenID, err)
	}

	return t.resolveFill(ctx, orderID, req), nil
}

// ExecuteBuyWithExits executes a buy, then places two resting limit sells
// (TP first, then SL) for the exact filled size.
//
// Rollback rule: if TP placement fails, SL is not attempted and the position
// opens naked in monitor mode. If TP succeeds but SL fails, the TP order is
// cancelled so exactly one protective leg never rests alone; the position
// again falls back to monitor mode.
func (t *Trader) ExecuteBuyWithExits(ctx context.Context, tokenID string, price, size, tpPrice, slPrice float64) (domain.EntryResult, error) {
	buyFill, err := t.ExecuteBuy(ctx, tokenID, price, size)
	if err != nil {
		return domain.EntryResult{}, err
	}
	if buyFill.FilledSize <= 0 {
		return domain.EntryResult{}, fmt.Errorf("executor: %s: %w", tokenID, domain.ErrBuyNotFilled)
	}

	result := domain.EntryResult{BuyFill: buyFill, TPPrice: tpPrice, SLPrice: slPrice}

	tpID, err := t.placeLimitSell(ctx, tokenID, tpPrice, buyFill.FilledSize)
	if err != nil {
		t.logger.Warn("tp placement failed, position opens unprotected",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()))
		return result, nil
	}

	slID, err := t.placeLimitSell(ctx, tokenID, slPrice, buyFill.FilledSize)
	if err != nil {
		t.logger.Warn("sl placement failed, rolling back tp",
			slog.String("token_id", tokenID),
			slog.String("tp_order_id", tpID),
			slog.String("error", err.Error()))
		t.CancelOrder(ctx, tpID)
		return result, nil
	}

	result.TPOrderID = tpID
	result.SLOrderID = slID
	return result, nil
}

// ExecutePairedBuyWithBatch pre-signs the buy, TP, and SL orders before any
// submission, then submits the buy, waits for a non-zero fill, and submits
// the protective legs. Signing is the slow, CPU-bound step; batching it up
// front shrinks the window between entry and protection.
//
// A leg that fails to sign is skipped at submission time without aborting
// the others; a buy that fails to sign aborts the whole entry. Because the
// protective legs are signed before the fill is known, they carry the
// requested size rather than the filled size. The TP→SL rollback rule from
// ExecuteBuyWithExits applies identically.
func (t *Trader) ExecutePairedBuyWithBatch(ctx context.Context, tokenID string, price, size, tpPrice, slPrice float64) (domain.EntryResult, error) {
	if t.dryRun {
		fill := t.syntheticFill(domain.OrderRequest{TokenID: tokenID, Price: price, Size: size, Side: domain.OrderSideBuy})
		return domain.EntryResult{
			BuyFill:   fill,
			TPOrderID: syntheticID(),
			SLOrderID: syntheticID(),
			TPPrice:   tpPrice,
			SLPrice:   slPrice,
		}, nil
	}

	buyReq := domain.OrderRequest{TokenID: tokenID, Price: price, Size: size, Side: domain.OrderSideBuy}
	tpReq := domain.OrderRequest{TokenID: tokenID, Price: tpPrice, Size: size, Side: domain.OrderSideSell}
	slReq := domain.OrderRequest{TokenID: tokenID, Price: slPrice, Size: size, Side: domain.OrderSideSell}

	signedBuy, err := t.client.SignOrder(buyReq)
	if err != nil {
		return domain.EntryResult{}, fmt.Errorf("executor: sign buy %s: %w", tokenID, err)
	}

	signedTP, tpErr := t.client.SignOrder(tpReq)
	if tpErr != nil {
		t.logger.Warn("tp leg failed to sign, will be skipped",
			slog.String("token_id", tokenID),
			slog.String("error", tpErr.Error()))
	}
	signedSL, slErr := t.client.SignOrder(slReq)
	if slErr != nil {
		t.logger.Warn("sl leg failed to sign, will be skipped",
			slog.String("token_id", tokenID),
			slog.String("error", slErr.Error()))
	}

	buyID, err := Call(ctx, t.gate, "post_signed_order", func(ctx context.Context) (string, error) {
		return t.client.PostSignedOrder(ctx, signedBuy)
	})
	if err != nil {
		return domain.EntryResult{}, fmt.Errorf("executor: submit buy %s: %w", tokenID, err)
	}

	buyFill := t.resolveFill(ctx, buyID, buyReq)
	if buyFill.FilledSize <= 0 {
		return domain.EntryResult{}, fmt.Errorf("executor: %s: %w", tokenID, domain.ErrBuyNotFilled)
	}

	result := domain.EntryResult{BuyFill: buyFill, TPPrice: tpPrice, SLPrice: slPrice}

	if tpErr != nil {
		return result, nil
	}
	tpID, err := Call(ctx, t.gate, "post_signed_order", func(ctx context.Context) (string, error) {
		return t.client.PostSignedOrder(ctx, signedTP)
	})
	if err != nil {
		t.logger.Warn("tp submission failed, position opens unprotected",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()))
		return result, nil
	}

	if slErr != nil {
		t.logger.Warn("sl leg unsigned, rolling back tp", slog.String("token_id", tokenID))
		t.CancelOrder(ctx, tpID)
		return result, nil
	}
	slID, err := Call(ctx, t.gate, "post_signed_order", func(ctx context.Context) (string, error) {
		return t.client.PostSignedOrder(ctx, signedSL)
	})
	if err != nil {
		t.logger.Warn("sl submission failed, rolling back tp",
			slog.String("token_id", tokenID),
			slog.String("tp_order_id", tpID),
			slog.String("error", err.Error()))
		t.CancelOrder(ctx, tpID)
		return result, nil
	}

	result.TPOrderID = tpID
	result.SLOrderID = slID
	return result, nil
}

// CheckOrderStatus returns the canonical status snapshot for a resting
// order. Used by the control loop to detect limit-order fills without
// placing new orders.
func (t *Trader) CheckOrderStatus(ctx context.Context, orderID string) (domain.OrderSnapshot, error) {
	if t.dryRun {
		return domain.OrderSnapshot{OrderID: orderID, Status: domain.OrderStatusOpen}, nil
	}
	return Call(ctx, t.gate, "get_order", func(ctx context.Context) (domain.OrderSnapshot, error) {
		return t.client.GetOrder(ctx, orderID)
	})
}

// CancelOrder cancels a resting order best-effort. Failures are logged and
// reported as false, never returned: cancellation is used defensively (the
// TP rollback) and must not itself fail the caller.
func (t *Trader) CancelOrder(ctx context.Context, orderID string) bool {
	if t.dryRun {
		return true
	}
	_, err := Call(ctx, t.gate, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.client.CancelOrder(ctx, orderID)
	})
	if err != nil {
		t.logger.Warn("cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// --------------------------------------------------------------------------
// Fill resolution
// --------------------------------------------------------------------------

// resolveFill polls the order every fillPollInterval until the expected size
// is filled, the status is terminal, or the timeout deadline elapses. On
// timeout the last known snapshot reports whatever filled; if no snapshot
// was ever obtained, the outcome follows the configured fill-timeout policy:
// assume_full reports the full expected fill (logged as unverified),
// mark_unverified reports it flagged for reconciliation. Both favor
// liveness over certainty. Context cancellation without a snapshot reports
// zero fill: the policies only apply to a deadline the loop outlived.
func (t *Trader) resolveFill(ctx context.Context, orderID string, req domain.OrderRequest) domain.TradeFill {
	deadline := time.Now().Add(t.orderTimeout)
	var last *domain.OrderSnapshot

poll:
	for {
		snap, err := Call(ctx, t.gate, "get_order", func(ctx context.Context) (domain.OrderSnapshot, error) {
			return t.client.GetOrder(ctx, orderID)
		})
		if err != nil {
			t.logger.Warn("order status poll failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()))
		} else {
			last = &snap
			if snap.FilledSize >= req.Size || snap.Status.Terminal() {
				return fillFromSnapshot(orderID, req, snap, false)
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(fillPollInterval):
		}
	}

	if last != nil {
		t.logger.Warn("fill resolution timed out, using last snapshot",
			slog.String("order_id", orderID),
			slog.Float64("filled_size", last.FilledSize))
		return fillFromSnapshot(orderID, req, *last, false)
	}

	// A cancelled context is a shutdown, not a timeout. Without a snapshot
	// the optimistic policy would persist a position that may never have
	// filled, so report zero fill instead.
	if err := ctx.Err(); err != nil {
		t.logger.Warn("fill resolution interrupted with no snapshot, reporting zero fill",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return domain.TradeFill{OrderID: orderID, Side: req.Side}
	}

	t.logger.Warn("fill resolution timed out with no snapshot, assuming full fill (unverified)",
		slog.String("order_id", orderID),
		slog.String("policy", t.fillPolicy))
	return domain.TradeFill{
		OrderID:    orderID,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Side:       req.Side,
		Unverified: t.fillPolicy == config.FillPolicyMarkUnverified,
	}
}

// placeLimitSell submits a resting limit sell without waiting for a fill.
// Protective exits always bypass the safety floor: an SL below the floor is
// the whole point of the order.
func (t *Trader) placeLimitSell(ctx context.Context, tokenID string, price, size float64) (string, error) {
	if t.dryRun {
		return syntheticID(), nil
	}
	req := domain.OrderRequest{TokenID: tokenID, Price: price, Size: size, Side: domain.OrderSideSell}
	return Call(ctx, t.gate, "post_order", func(ctx context.Context) (string, error) {
		return t.client.PostOrder(ctx, req)
	})
}

// syntheticFill fabricates an immediate full fill for dry-run mode.
func (t *Trader) syntheticFill(req domain.OrderRequest) domain.TradeFill {
	return domain.TradeFill{
		OrderID:    syntheticID(),
		FilledSize: req.Size,
		AvgPrice:   req.Price,
		Side:       req.Side,
		DryRun:     true,
	}
}

func syntheticID() string {
	return "dry-" + uuid.NewString()
}

// fillFromSnapshot builds a TradeFill from a resolved order snapshot.
func fillFromSnapshot(orderID string, req domain.OrderRequest, snap domain.OrderSnapshot, unverified bool) domain.TradeFill {
	avg := snap.AvgPrice
	if avg == 0 {
		avg = req.Price
	}
	return domain.TradeFill{
		OrderID:    orderID,
		FilledSize: snap.FilledSize,
		AvgPrice:   avg,
		FeesPaid:   snap.Fees,
		Side:       req.Side,
		Unverified: unverified,
	}
}

// IsDryRun reports whether the trader simulates order placement.
func (t *Trader) IsDryRun() bool {
	return t.dryRun
}
