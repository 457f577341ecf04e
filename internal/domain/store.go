package domain

import (
	"context"
	"time"
)

// PositionStore is the durable map of open positions. Every mutating call
// persists the whole map synchronously before returning; persistence
// failures propagate to the caller.
type PositionStore interface {
	Add(pos Position) error
	Get(tokenID string) (Position, bool)
	Remove(tokenID string) (Position, error)
	ListAll() []Position
	Has(tokenID string) bool
	Count() int
}

// Blacklist is the per-token cool-down state machine with escalation to a
// permanent block after repeated stop-losses.
type Blacklist interface {
	Block(tokenID, reason string, duration time.Duration, maxAttempts int) error
	IsBlacklisted(tokenID string) bool
	Clean() error
	Count() int
}

// StatsRecorder accumulates lifetime/daily/odds-bucket performance counters.
type StatsRecorder interface {
	RecordTrade(entryPrice, exitPrice, size, fees float64, entryTime, exitTime time.Time, oddsRange string) error
	DailyPnL(date string) float64
}

// ExchangeClient is the opaque capability the execution core uses to talk to
// the exchange. The concrete implementation owns signing, auth, transport,
// and the normalization of every response shape into canonical types.
type ExchangeClient interface {
	// PostOrder signs and submits an order, returning its exchange ID.
	PostOrder(ctx context.Context, req OrderRequest) (string, error)
	// SignOrder builds and signs an order without submitting it.
	SignOrder(req OrderRequest) (SignedOrder, error)
	// PostSignedOrder submits a previously signed order.
	PostSignedOrder(ctx context.Context, signed SignedOrder) (string, error)
	// GetOrder fetches the canonical status/fill snapshot for an order.
	GetOrder(ctx context.Context, orderID string) (OrderSnapshot, error)
	// GetOrderBook fetches bid/ask levels for a token. A token with no book
	// yields ErrNoOrderbook, which callers treat as zero liquidity.
	GetOrderBook(ctx context.Context, tokenID string) (OrderbookSnapshot, error)
	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, orderID string) error
	// GetBalance fetches the available collateral balance.
	GetBalance(ctx context.Context) (float64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of execution events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// EventBus publishes engine events (order placed, position opened/closed)
// for external consumers. Implementations must be safe for concurrent use.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
