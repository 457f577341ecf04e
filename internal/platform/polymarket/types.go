package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/avetorres/polytrader/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from JSON number or numeric string. CLOB responses
// are inconsistent about which they send for sizes and prices.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the CLOB API. Several
// deployments of the API differ in which fields they populate: some send
// size_matched, some matched_amount, some only associated trades. All of
// them normalize into a single domain.OrderSnapshot here so nothing
// downstream ever inspects this shape.
type APIOrder struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	AssetID       string     `json:"asset_id"`
	Side          string     `json:"side"`
	OriginalSize  flexFloat  `json:"original_size"`
	SizeMatched   *flexFloat `json:"size_matched,omitempty"`
	MatchedAmount *flexFloat `json:"matched_amount,omitempty"`
	Price         flexFloat  `json:"price"`
	AvgPrice      *flexFloat `json:"avg_price,omitempty"`
	FeesPaid      *flexFloat `json:"fees_paid,omitempty"`
	Trades        []APITrade `json:"associate_trades"`
}

// APITrade is one matched trade attached to an order.
type APITrade struct {
	Size  flexFloat `json:"size"`
	Price flexFloat `json:"price"`
	Fee   flexFloat `json:"fee"`
}

// ToSnapshot normalizes an APIOrder into the canonical snapshot. Fill size
// is taken from size_matched when present, then matched_amount, then the
// sum of associated trades. Average price falls back from avg_price to the
// size-weighted trade average to the limit price.
func (a *APIOrder) ToSnapshot() domain.OrderSnapshot {
	snap := domain.OrderSnapshot{
		OrderID: a.ID,
		Status:  normalizeStatus(a.Status),
	}

	switch {
	case a.SizeMatched != nil:
		snap.FilledSize = float64(*a.SizeMatched)
	case a.MatchedAmount != nil:
		snap.FilledSize = float64(*a.MatchedAmount)
	default:
		for _, t := range a.Trades {
			snap.FilledSize = snap.FilledSize + float64(t.Size)
		}
	}

	if a.AvgPrice != nil && *a.AvgPrice > 0 {
		snap.AvgPrice = float64(*a.AvgPrice)
	} else if len(a.Trades) > 0 {
		var notional, size float64
		for _, t := range a.Trades {
			notional += float64(t.Price) * float64(t.Size)
			size += float64(t.Size)
		}
		if size > 0 {
			snap.AvgPrice = notional / size
		}
	}
	if snap.AvgPrice == 0 {
		snap.AvgPrice = float64(a.Price)
	}

	if a.FeesPaid != nil {
		snap.Fees = float64(*a.FeesPaid)
	} else {
		for _, t := range a.Trades {
			snap.Fees += float64(t.Fee)
		}
	}

	// A live order with partial matching reports as partial even when the
	// API status string says "live".
	if snap.Status == domain.OrderStatusOpen && snap.FilledSize > 0 {
		snap.Status = domain.OrderStatusPartial
	}

	return snap
}

// normalizeStatus maps the API's status strings onto the canonical set.
func normalizeStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open", "delayed":
		return domain.OrderStatusOpen
	case "matched", "filled":
		return domain.OrderStatusFilled
	case "partially_filled", "partial":
		return domain.OrderStatusPartial
	case "cancelled", "canceled":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusUnknown
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	OrderID  string `json:"orderID,omitempty"`
	Status   string `json:"status,omitempty"`
}

// APIBook is the order book response from GET /book.
type APIBook struct {
	AssetID   string          `json:"asset_id"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

// APIPriceLevel is a single bid/ask level.
type APIPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ToSnapshot converts an APIBook into a domain snapshot with best bid/ask
// pre-computed.
func (b *APIBook) ToSnapshot() domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		TokenID: b.AssetID,
	}

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: p, Size: s})
		if p > snap.BestBid {
			snap.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: p, Size: s})
		if snap.BestAsk == 0 || p < snap.BestAsk {
			snap.BestAsk = p
		}
	}

	if ts, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ts)
	} else {
		snap.Timestamp = time.Now()
	}

	return snap
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Gamma API, reduced to
// the fields the scanner needs.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	Active        flexBool `json:"active"`
	Closed        bool     `json:"closed"`
	OutcomePrices string   `json:"outcomePrices"` // JSON-encoded: e.g. "[\"0.5\",\"0.5\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Volume        string   `json:"volume"`
	EndDateISO    string   `json:"endDate"`
}

// Market is the parsed, scanner-facing view of a Gamma market.
type Market struct {
	ID       string
	Question string
	Active   bool
	TokenIDs []string
	Prices   []float64
	Volume   float64
	EndDate  time.Time
}

// ToMarket parses the JSON-encoded string fields of an APIMarket.
func (m *APIMarket) ToMarket() Market {
	out := Market{
		ID:       m.ID,
		Question: m.Question,
		Active:   bool(m.Active) && !m.Closed,
	}

	var tokens []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err == nil {
		out.TokenIDs = tokens
	}

	var priceStrs []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &priceStrs); err == nil {
		for _, ps := range priceStrs {
			p, _ := strconv.ParseFloat(ps, 64)
			out.Prices = append(out.Prices, p)
		}
	}

	out.Volume, _ = strconv.ParseFloat(m.Volume, 64)

	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		out.EndDate = t
	}

	return out
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSMessage is the envelope of a market-channel WebSocket frame.
type WSMessage struct {
	EventType string `json:"event_type"` // "book", "price_change", "last_trade_price"
	AssetID   string `json:"asset_id,omitempty"`
	Market    string `json:"market,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Bids []APIPriceLevel `json:"bids,omitempty"`
	Asks []APIPriceLevel `json:"asks,omitempty"`

	Side  string `json:"side,omitempty"`
	Price string `json:"price,omitempty"`
	Size  string `json:"size,omitempty"`
}

// WSCommand is the JSON payload sent to subscribe or unsubscribe.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
}

// BookFromWS converts a "book" frame into a domain snapshot.
func BookFromWS(m *WSMessage) domain.OrderbookSnapshot {
	book := APIBook{
		AssetID:   m.AssetID,
		Bids:      m.Bids,
		Asks:      m.Asks,
		Timestamp: m.Timestamp,
	}
	return book.ToSnapshot()
}

// PriceChangeFromWS converts a "price_change" frame into a domain update.
func PriceChangeFromWS(m *WSMessage) domain.PriceChange {
	pc := domain.PriceChange{
		TokenID: m.AssetID,
		Side:    m.Side,
	}
	pc.Price, _ = strconv.ParseFloat(m.Price, 64)
	pc.Size, _ = strconv.ParseFloat(m.Size, 64)

	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		pc.Timestamp = time.UnixMilli(ts)
	} else {
		pc.Timestamp = time.Now()
	}

	return pc
}
