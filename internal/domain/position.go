package domain

import "time"

// ExitMode selects how a position's protective exits are handled.
type ExitMode string

const (
	// ExitModeMonitor means the engine watches the order book itself and
	// fires market sells when TP/SL levels are breached.
	ExitModeMonitor ExitMode = "monitor"
	// ExitModeLimitOrders means two resting limit sells (TP and SL) are on
	// the exchange book and the engine only polls their status.
	ExitModeLimitOrders ExitMode = "limit_orders"
)

// Position is an open, capital-committed bet on a single token. One position
// per token at a time; the token ID is the map key in the store.
type Position struct {
	TokenID    string  `json:"-"`
	EntryPrice float64 `json:"entry_price"`
	// Size is the requested size in shares; FilledSize is what the entry
	// order actually filled. FilledSize <= Size always.
	Size       float64 `json:"size"`
	FilledSize float64 `json:"filled_size"`
	EntryTime  string  `json:"entry_time"` // RFC 3339
	TakeProfit float64 `json:"tp"`
	StopLoss   float64 `json:"sl"`
	FeesPaid   float64 `json:"fees_paid"`
	OrderID    string  `json:"order_id,omitempty"`

	// Limit-order exit fields. In limit_orders mode both order IDs are set;
	// in monitor mode neither is. A position with exactly one resting
	// protective leg must never be persisted.
	TPOrderID string   `json:"tp_order_id,omitempty"`
	SLOrderID string   `json:"sl_order_id,omitempty"`
	ExitMode  ExitMode `json:"exit_mode,omitempty"`

	// NeedsReconciliation is set when the entry fill could not be verified
	// before the order timeout and the mark_unverified policy is active.
	NeedsReconciliation bool `json:"needs_reconciliation,omitempty"`
}

// Committed returns the capital tied up by this position.
func (p Position) Committed() float64 {
	return p.FilledSize * p.EntryPrice
}

// HasRestingExits reports whether both protective limit orders are on the book.
func (p Position) HasRestingExits() bool {
	return p.ExitMode == ExitModeLimitOrders && p.TPOrderID != "" && p.SLOrderID != ""
}

// EntryTimestamp parses the position's entry time. A zero time is returned
// when the stored value is malformed.
func (p Position) EntryTimestamp() time.Time {
	t, err := time.Parse(time.RFC3339, p.EntryTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// BlacklistEntry is a temporary or permanent ban on re-entering a token.
// A token is blocked while now < BlockedUntil; once expired it is removed on
// lookup unless Attempts >= MaxAttempts, in which case it stays blocked
// forever.
type BlacklistEntry struct {
	Reason       string    `json:"reason"`
	BlockedUntil time.Time `json:"blocked_until"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
}

// Expired reports whether the timed portion of the block has lapsed.
func (e BlacklistEntry) Expired(now time.Time) bool {
	return now.After(e.BlockedUntil)
}

// Permanent reports whether the entry escalated to a permanent ban.
func (e BlacklistEntry) Permanent() bool {
	return e.Attempts >= e.MaxAttempts
}
