package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a full snapshot of bids and asks for one outcome
// token. Bids are sorted best-first (descending), asks best-first
// (ascending).
type OrderbookSnapshot struct {
	Venue     string
	MarketID  string
	TokenID   string
	Outcome   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the highest standing buy price, or false when the book has
// no bids.
func (b OrderbookSnapshot) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest standing sell price, or false when the book has
// no asks.
func (b OrderbookSnapshot) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// MidPrice returns (bestBid+bestAsk)/2, or false when either side is empty.
func (b OrderbookSnapshot) MidPrice() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// LastTrade is the most recent trade execution reported for a token.
type LastTrade struct {
	Venue     string
	TokenID   string
	Price     float64
	Size      float64
	Timestamp time.Time
}
