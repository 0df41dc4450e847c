package domain

import (
	"fmt"
	"time"
)

// Market is an immutable snapshot of a prediction market. Venue adapters
// build a fresh value on every fetch; nothing mutates a Market in place.
//
// IDs are opaque and venue-specific: a 66-char condition hash on Polymarket,
// a ticker on Kalshi, a numeric id on Predict.fun.
type Market struct {
	ID        string
	Venue     string
	Question  string
	Slug      string
	Outcomes  []string           // ordered, e.g. ["Yes","No"]
	TokenIDs  map[string]string  // outcome -> tradeable token/contract id
	Prices    map[string]float64 // outcome -> last price in [0,1]
	Volume    float64
	Liquidity float64
	TickSize  float64
	CloseTime *time.Time
	Closed    bool
	FetchedAt time.Time
}

// Validate checks the snapshot's internal consistency. Adapters call it after
// parsing a venue response so malformed payloads fail loudly at the boundary.
func (m Market) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("market: empty id: %w", ErrInvalidOrder)
	}
	if len(m.Outcomes) == 0 {
		return fmt.Errorf("market %s: no outcomes", m.ID)
	}
	for outcome, p := range m.Prices {
		if p < 0 || p > 1 {
			return fmt.Errorf("market %s: price for %q out of [0,1]: %f", m.ID, outcome, p)
		}
	}
	return nil
}

// IsBinary reports whether the market has exactly two complementary outcomes.
// Delta accounting is only defined for binary markets.
func (m Market) IsBinary() bool {
	return len(m.Outcomes) == 2
}

// IsOpen reports whether the market still accepts orders at t.
func (m Market) IsOpen(t time.Time) bool {
	if m.Closed {
		return false
	}
	if m.CloseTime == nil {
		return true
	}
	return t.Before(*m.CloseTime)
}

// TokenID returns the tradeable token id for an outcome, if the venue
// assigns one.
func (m Market) TokenID(outcome string) (string, bool) {
	id, ok := m.TokenIDs[outcome]
	return id, ok && id != ""
}

// Price returns the snapshot price for an outcome.
func (m Market) Price(outcome string) (float64, bool) {
	p, ok := m.Prices[outcome]
	return p, ok
}

// RoundToTick rounds price to the market's tick size. Markets without a tick
// size fall back to 0.01.
func (m Market) RoundToTick(price float64) float64 {
	tick := m.TickSize
	if tick <= 0 {
		tick = 0.01
	}
	steps := float64(int64(price/tick + 0.5))
	return steps * tick
}
