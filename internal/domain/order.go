package domain

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the canonical order lifecycle state reported by the
// exchange boundary. Every API response shape normalizes into one of these.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// Terminal reports whether the order can no longer fill further.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

// OrderRequest describes one order to submit to the exchange.
type OrderRequest struct {
	TokenID string
	Price   float64
	Size    float64
	Side    OrderSide
}

// OrderSnapshot is the canonical, normalized view of an order's state on the
// exchange. The execution core only ever branches on this type, never on raw
// API shapes.
type OrderSnapshot struct {
	OrderID    string
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
	Fees       float64
}

// SignedOrder is an order that has been built and signed but not yet
// submitted. Signing is the slow, CPU-bound half of submission; keeping the
// two apart lets batch flows sign everything up front.
type SignedOrder struct {
	Request   OrderRequest
	Payload   []byte // JSON body ready for POST /order
	Salt      string
	Signature string
}

// TradeFill is the resolved outcome of one submitted order. It is ephemeral
// and never persisted.
type TradeFill struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	FeesPaid   float64
	Side       OrderSide
	DryRun     bool
	// Unverified is set when the fill was assumed rather than confirmed
	// (order timeout with no snapshot available).
	Unverified bool
}

// EntryResult is the outcome of an entry flow that also places protective
// exits. TPOrderID and SLOrderID are either both set or both empty.
type EntryResult struct {
	BuyFill   TradeFill
	TPOrderID string
	SLOrderID string
	TPPrice   float64
	SLPrice   float64
}

// ExitMode returns the exit mode the resulting position should use.
func (r EntryResult) ExitMode() ExitMode {
	if r.TPOrderID != "" && r.SLOrderID != "" {
		return ExitModeLimitOrders
	}
	return ExitModeMonitor
}
