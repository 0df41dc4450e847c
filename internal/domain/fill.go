package domain

import "time"

// Fill is one observed execution against one of our orders. Fills are
// append-only: the Order Tracker keeps a log per (market, outcome) and
// derives Position by folding it, so Order and Position never hold live
// references to each other.
type Fill struct {
	OrderID  string
	Venue    string
	MarketID string
	Outcome  string
	Side     OrderSide
	Price    float64
	Size     float64
	Time     time.Time
}

// SignedSize returns the fill's position impact: positive for buys,
// negative for sells.
func (f Fill) SignedSize() float64 {
	if f.Side == OrderSideSell {
		return -f.Size
	}
	return f.Size
}
