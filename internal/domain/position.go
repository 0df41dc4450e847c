package domain

// Position is the current exposure on one outcome of a market, derived by
// the Order Tracker from the fill log. Size is signed: positive long,
// negative short (short only arises on venues that report it directly;
// strategy accounting is scoped to binary markets).
type Position struct {
	Venue    string
	MarketID string
	Outcome  string
	Size     float64
	AvgPrice float64
	Mark     float64
}

// CostBasis is size x average entry price.
func (p Position) CostBasis() float64 {
	return p.Size * p.AvgPrice
}

// CurrentValue is size x mark price.
func (p Position) CurrentValue() float64 {
	return p.Size * p.Mark
}

// UnrealizedPnL is current value minus cost basis.
func (p Position) UnrealizedPnL() float64 {
	return p.CurrentValue() - p.CostBasis()
}

// FoldFills derives a Position from an append-only fill log for one
// (market, outcome). Buys extend the position at a weighted average entry
// price; sells reduce it without moving the average.
func FoldFills(venue, marketID, outcome string, fills []Fill, mark float64) Position {
	pos := Position{Venue: venue, MarketID: marketID, Outcome: outcome, Mark: mark}
	for _, f := range fills {
		delta := f.SignedSize()
		if delta > 0 {
			newSize := pos.Size + delta
			if newSize > 0 {
				pos.AvgPrice = (pos.AvgPrice*pos.Size + f.Price*delta) / newSize
			}
			pos.Size = newSize
		} else {
			pos.Size += delta
			if pos.Size <= 0 {
				// Flat or flipped: entry price resets.
				pos.Size = max(pos.Size, 0)
				pos.AvgPrice = 0
			}
		}
	}
	return pos
}

// DeltaInfo describes the position imbalance across the outcomes of one
// binary market: delta = max position - min position.
type DeltaInfo struct {
	Delta       float64
	MaxPosition float64
	MinPosition float64
	MaxOutcome  string
}

// CalculateDelta computes the imbalance of a positions-by-outcome map.
func CalculateDelta(positions map[string]float64) DeltaInfo {
	if len(positions) == 0 {
		return DeltaInfo{}
	}
	first := true
	var info DeltaInfo
	for outcome, size := range positions {
		if first {
			info.MaxPosition, info.MinPosition = size, size
			info.MaxOutcome = outcome
			first = false
			continue
		}
		if size > info.MaxPosition {
			info.MaxPosition = size
			info.MaxOutcome = outcome
		}
		if size < info.MinPosition {
			info.MinPosition = size
		}
	}
	info.Delta = info.MaxPosition - info.MinPosition
	if info.Delta == 0 {
		info.MaxOutcome = ""
	}
	return info
}
