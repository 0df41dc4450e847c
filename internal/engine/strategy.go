// Package engine runs strategy sessions: one goroutine per (venue, market)
// pair driving a fixed-period decision loop against the venue adapter, with
// risk limits enforced before every mutating call.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// RiskLimits bound what one session may do per outcome. Zero values mean
// unlimited except OrderSize, which must be positive.
type RiskLimits struct {
	OrderSize   float64 // units per entry
	MaxPosition float64 // absolute position cap per outcome
	MaxDelta    float64 // cap on binary-market imbalance |posA - posB|
}

func (l RiskLimits) Validate() error {
	if l.OrderSize <= 0 {
		return fmt.Errorf("%w: order size must be positive", domain.ErrInvalidOrder)
	}
	if l.MaxPosition < 0 || l.MaxDelta < 0 {
		return fmt.Errorf("%w: negative risk limit", domain.ErrInvalidOrder)
	}
	return nil
}

// RiskError reports an order blocked by the session's risk guard. Strategies
// treat it as a skipped entry, never as a failure.
type RiskError struct {
	Reason string
}

func (e *RiskError) Error() string { return "risk guard: " + e.Reason }

// Env is the view a strategy gets of its session on each tick. All reads are
// snapshots taken at the top of the tick; PlaceOrder and CancelOrder go
// through the session's risk guard and order tracker.
type Env interface {
	Market() domain.Market
	Book(outcome string) (domain.OrderbookSnapshot, bool)
	OpenOrders(outcome string) []domain.Order
	Position(outcome string) domain.Position
	Limits() RiskLimits
	Now() time.Time

	PlaceOrder(ctx context.Context, outcome string, side domain.OrderSide, price, size float64) (domain.Order, error)
	CancelOrder(ctx context.Context, order domain.Order) error
}

// Strategy is one decision algorithm. Tick runs once per session period and
// must not block beyond the tick interval; the context it receives carries
// that deadline.
type Strategy interface {
	Name() string
	Tick(ctx context.Context, env Env) error
}
