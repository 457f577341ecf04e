package domain

import "time"

// Candidate is a market proposed for entry, with a computed attractiveness
// score. Produced by the scanner, consumed by the control loop.
type Candidate struct {
	TokenID       string
	Question      string
	Odds          float64
	BestBid       float64
	BestAsk       float64
	SpreadPercent float64
	VolumeUSD     float64
	DaysToResolve int
	Score         float64
}

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a snapshot of bids and asks for one token.
type OrderbookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// MidPrice returns the bid/ask midpoint, or zero when either side is empty.
func (s OrderbookSnapshot) MidPrice() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return (s.BestBid + s.BestAsk) / 2
}

// PriceChange is an incremental order-book level update from the streaming
// feed.
type PriceChange struct {
	TokenID   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64 // 0 removes the level
	Timestamp time.Time
}
