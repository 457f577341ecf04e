package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetorres/polytrader/internal/config"
	"github.com/avetorres/polytrader/internal/domain"
)

// fakeExchange implements domain.ExchangeClient with pluggable behaviour.
type fakeExchange struct {
	mu sync.Mutex

	postFn   func(req domain.OrderRequest) (string, error)
	getFn    func(orderID string) (domain.OrderSnapshot, error)
	signFn   func(req domain.OrderRequest) (domain.SignedOrder, error)
	submitFn func(signed domain.SignedOrder) (string, error)

	posted   []domain.OrderRequest
	canceled []string
}

func (f *fakeExchange) PostOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	f.mu.Lock()
	f.posted = append(f.posted, req)
	f.mu.Unlock()
	if f.postFn == nil {
		return "order-1", nil
	}
	return f.postFn(req)
}

func (f *fakeExchange) SignOrder(req domain.OrderRequest) (domain.SignedOrder, error) {
	if f.signFn == nil {
		return domain.SignedOrder{Request: req, Payload: []byte("{}")}, nil
	}
	return f.signFn(req)
}

func (f *fakeExchange) PostSignedOrder(_ context.Context, signed domain.SignedOrder) (string, error) {
	f.mu.Lock()
	f.posted = append(f.posted, signed.Request)
	f.mu.Unlock()
	if f.submitFn == nil {
		return "order-1", nil
	}
	return f.submitFn(signed)
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (domain.OrderSnapshot, error) {
	if f.getFn == nil {
		return domain.OrderSnapshot{OrderID: orderID, Status: domain.OrderStatusFilled}, nil
	}
	return f.getFn(orderID)
}

func (f *fakeExchange) GetOrderBook(context.Context, string) (domain.OrderbookSnapshot, error) {
	return domain.OrderbookSnapshot{}, domain.ErrNoOrderbook
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, orderID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) GetBalance(context.Context) (float64, error) {
	return 0, nil
}

func (f *fakeExchange) canceledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTrader(client domain.ExchangeClient, cfg config.BotConfig) *Trader {
	gate := NewGate(60000, 1, time.Millisecond, testLogger())
	return NewTrader(client, gate, cfg, 0.5, testLogger())
}

func liveBotConfig() config.BotConfig {
	return config.BotConfig{
		OrderTimeoutSeconds: 5,
		FillTimeoutPolicy:   config.FillPolicyAssumeFull,
	}
}

func filledSnapshot(orderID string, size, price float64) domain.OrderSnapshot {
	return domain.OrderSnapshot{
		OrderID:    orderID,
		Status:     domain.OrderStatusFilled,
		FilledSize: size,
		AvgPrice:   price,
	}
}

func TestExecuteBuyDryRun(t *testing.T) {
	client := &fakeExchange{}
	trader := newTestTrader(client, config.BotConfig{DryRun: true, OrderTimeoutSeconds: 5, FillTimeoutPolicy: config.FillPolicyAssumeFull})

	fill, err := trader.ExecuteBuy(context.Background(), "tok", 0.55, 10)
	require.NoError(t, err)

	assert.True(t, fill.DryRun)
	assert.True(t, strings.HasPrefix(fill.OrderID, "dry-"))
	assert.Equal(t, 10.0, fill.FilledSize)
	assert.Equal(t, 0.55, fill.AvgPrice)
	assert.Empty(t, client.posted, "dry-run must not reach the exchange")
}

func TestExecuteSellFloor(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		emergency bool
		wantErr   error
	}{
		{name: "below floor rejected", price: 0.20, wantErr: domain.ErrSellBelowFloor},
		{name: "at floor allowed", price: 0.25},
		{name: "above floor allowed", price: 0.40},
		{name: "emergency bypasses floor", price: 0.05, emergency: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeExchange{}
			trader := newTestTrader(client, config.BotConfig{DryRun: true, OrderTimeoutSeconds: 5, FillTimeoutPolicy: config.FillPolicyAssumeFull})

			// entry 0.50 with ratio 0.5 puts the floor at 0.25
			_, err := trader.ExecuteSell(context.Background(), "tok", tt.price, 10, 0.50, tt.emergency)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExecuteBuyWithExitsBothLegsRest(t *testing.T) {
	var sells int
	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		if req.Side == domain.OrderSideBuy {
			return "buy-1", nil
		}
		sells++
		if sells == 1 {
			return "tp-1", nil
		}
		return "sl-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return filledSnapshot(orderID, 10, 0.55), nil
	}

	trader := newTestTrader(client, liveBotConfig())
	result, err := trader.ExecuteBuyWithExits(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.Equal(t, "tp-1", result.TPOrderID)
	assert.Equal(t, "sl-1", result.SLOrderID)
	assert.Equal(t, domain.ExitModeLimitOrders, result.ExitMode())
	assert.Equal(t, 10.0, result.BuyFill.FilledSize)
	assert.Empty(t, client.canceledOrders())
}

func TestExecuteBuyWithExitsTPFailureOpensNaked(t *testing.T) {
	var sells int
	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		if req.Side == domain.OrderSideBuy {
			return "buy-1", nil
		}
		sells++
		return "", errors.New("insufficient allowance")
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return filledSnapshot(orderID, 10, 0.55), nil
	}

	trader := newTestTrader(client, liveBotConfig())
	result, err := trader.ExecuteBuyWithExits(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.Empty(t, result.TPOrderID)
	assert.Empty(t, result.SLOrderID)
	assert.Equal(t, domain.ExitModeMonitor, result.ExitMode())
	assert.Equal(t, 1, sells, "sl must not be attempted after tp failure")
	assert.Empty(t, client.canceledOrders())
}

func TestExecuteBuyWithExitsSLFailureRollsBackTP(t *testing.T) {
	var sells int
	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		if req.Side == domain.OrderSideBuy {
			return "buy-1", nil
		}
		sells++
		if sells == 1 {
			return "tp-1", nil
		}
		return "", errors.New("insufficient allowance")
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return filledSnapshot(orderID, 10, 0.55), nil
	}

	trader := newTestTrader(client, liveBotConfig())
	result, err := trader.ExecuteBuyWithExits(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.Empty(t, result.TPOrderID, "one leg must never rest alone")
	assert.Empty(t, result.SLOrderID)
	assert.Equal(t, domain.ExitModeMonitor, result.ExitMode())
	assert.Equal(t, []string{"tp-1"}, client.canceledOrders())
}

func TestExecuteBuyWithExitsZeroFill(t *testing.T) {
	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		return "buy-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return domain.OrderSnapshot{OrderID: orderID, Status: domain.OrderStatusCanceled}, nil
	}

	trader := newTestTrader(client, liveBotConfig())
	_, err := trader.ExecuteBuyWithExits(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.ErrorIs(t, err, domain.ErrBuyNotFilled)
}

func TestBatchEntrySignsBeforeSubmitting(t *testing.T) {
	var signedAtFirstSubmit int
	var signed int
	client := &fakeExchange{}
	client.signFn = func(req domain.OrderRequest) (domain.SignedOrder, error) {
		signed++
		return domain.SignedOrder{Request: req, Payload: []byte("{}")}, nil
	}
	var submits int
	client.submitFn = func(s domain.SignedOrder) (string, error) {
		submits++
		if submits == 1 {
			signedAtFirstSubmit = signed
			return "buy-1", nil
		}
		if submits == 2 {
			return "tp-1", nil
		}
		return "sl-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return filledSnapshot(orderID, 10, 0.55), nil
	}

	trader := newTestTrader(client, liveBotConfig())
	result, err := trader.ExecutePairedBuyWithBatch(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.Equal(t, 3, signedAtFirstSubmit, "all legs must be signed before the buy is submitted")
	assert.Equal(t, "tp-1", result.TPOrderID)
	assert.Equal(t, "sl-1", result.SLOrderID)
}

func TestBatchEntryBuySignFailureAborts(t *testing.T) {
	client := &fakeExchange{}
	client.signFn = func(req domain.OrderRequest) (domain.SignedOrder, error) {
		if req.Side == domain.OrderSideBuy {
			return domain.SignedOrder{}, domain.ErrSigningFailed
		}
		return domain.SignedOrder{Request: req}, nil
	}

	trader := newTestTrader(client, liveBotConfig())
	_, err := trader.ExecutePairedBuyWithBatch(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.ErrorIs(t, err, domain.ErrSigningFailed)
	assert.Empty(t, client.posted, "nothing may be submitted when the buy cannot sign")
}

func TestBatchEntryUnsignedSLRollsBackTP(t *testing.T) {
	client := &fakeExchange{}
	client.signFn = func(req domain.OrderRequest) (domain.SignedOrder, error) {
		// SL sits below the buy price; TP above. Fail only the SL leg.
		if req.Side == domain.OrderSideSell && req.Price < 0.55 {
			return domain.SignedOrder{}, domain.ErrSigningFailed
		}
		return domain.SignedOrder{Request: req, Payload: []byte("{}")}, nil
	}
	var submits int
	client.submitFn = func(s domain.SignedOrder) (string, error) {
		submits++
		if submits == 1 {
			return "buy-1", nil
		}
		return "tp-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return filledSnapshot(orderID, 10, 0.55), nil
	}

	trader := newTestTrader(client, liveBotConfig())
	result, err := trader.ExecutePairedBuyWithBatch(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.Empty(t, result.TPOrderID)
	assert.Empty(t, result.SLOrderID)
	assert.Equal(t, []string{"tp-1"}, client.canceledOrders())
}

func TestBatchEntryZeroFill(t *testing.T) {
	client := &fakeExchange{}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return domain.OrderSnapshot{OrderID: orderID, Status: domain.OrderStatusCanceled}, nil
	}

	trader := newTestTrader(client, liveBotConfig())
	_, err := trader.ExecutePairedBuyWithBatch(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.ErrorIs(t, err, domain.ErrBuyNotFilled)
}

func TestBatchEntryDryRun(t *testing.T) {
	client := &fakeExchange{}
	trader := newTestTrader(client, config.BotConfig{DryRun: true, OrderTimeoutSeconds: 5, FillTimeoutPolicy: config.FillPolicyAssumeFull})

	result, err := trader.ExecutePairedBuyWithBatch(context.Background(), "tok", 0.55, 10, 0.63, 0.49)
	require.NoError(t, err)

	assert.True(t, result.BuyFill.DryRun)
	assert.NotEmpty(t, result.TPOrderID)
	assert.NotEmpty(t, result.SLOrderID)
	assert.Equal(t, domain.ExitModeLimitOrders, result.ExitMode())
	assert.Empty(t, client.posted)
}

func TestResolveFillPartialAtTimeout(t *testing.T) {
	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		return "buy-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		return domain.OrderSnapshot{
			OrderID:    orderID,
			Status:     domain.OrderStatusPartial,
			FilledSize: 4,
			AvgPrice:   0.56,
		}, nil
	}

	// zero timeout: the first poll is also the last
	trader := newTestTrader(client, config.BotConfig{OrderTimeoutSeconds: 0, FillTimeoutPolicy: config.FillPolicyAssumeFull})
	fill, err := trader.ExecuteBuy(context.Background(), "tok", 0.55, 10)
	require.NoError(t, err)

	assert.Equal(t, 4.0, fill.FilledSize)
	assert.Equal(t, 0.56, fill.AvgPrice)
	assert.False(t, fill.Unverified)
}

func TestResolveFillNoSnapshotPolicies(t *testing.T) {
	tests := []struct {
		name           string
		policy         string
		wantUnverified bool
	}{
		{name: "assume full", policy: config.FillPolicyAssumeFull, wantUnverified: false},
		{name: "mark unverified", policy: config.FillPolicyMarkUnverified, wantUnverified: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeExchange{}
			client.postFn = func(req domain.OrderRequest) (string, error) {
				return "buy-1", nil
			}
			client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
				return domain.OrderSnapshot{}, errors.New("504 gateway timeout")
			}

			trader := newTestTrader(client, config.BotConfig{OrderTimeoutSeconds: 0, FillTimeoutPolicy: tt.policy})
			fill, err := trader.ExecuteBuy(context.Background(), "tok", 0.55, 10)
			require.NoError(t, err)

			assert.Equal(t, 10.0, fill.FilledSize, "both policies report the full expected size")
			assert.Equal(t, 0.55, fill.AvgPrice)
			assert.Equal(t, tt.wantUnverified, fill.Unverified)
		})
	}
}

func TestResolveFillCancelledWithoutSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeExchange{}
	client.postFn = func(req domain.OrderRequest) (string, error) {
		return "buy-1", nil
	}
	client.getFn = func(orderID string) (domain.OrderSnapshot, error) {
		cancel()
		return domain.OrderSnapshot{}, errors.New("504 gateway timeout")
	}

	// shutdown mid-entry must not apply the optimistic timeout policy
	trader := newTestTrader(client, config.BotConfig{OrderTimeoutSeconds: 5, FillTimeoutPolicy: config.FillPolicyMarkUnverified})
	fill, err := trader.ExecuteBuy(ctx, "tok", 0.55, 10)
	require.NoError(t, err)

	assert.Equal(t, "buy-1", fill.OrderID)
	assert.Zero(t, fill.FilledSize)
	assert.False(t, fill.Unverified)
}

func TestCheckOrderStatusDryRun(t *testing.T) {
	trader := newTestTrader(&fakeExchange{}, config.BotConfig{DryRun: true, OrderTimeoutSeconds: 5, FillTimeoutPolicy: config.FillPolicyAssumeFull})

	snap, err := trader.CheckOrderStatus(context.Background(), "dry-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, snap.Status)
}
