// Package venue defines the normalized trading surface implemented once
// per supported venue. Callers branch on advertised capabilities, never on
// venue identity.
package venue

import (
	"context"
	"fmt"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/stream"
)

// Capability flags what an adapter can do.
type Capability uint

const (
	CapMarkets Capability = 1 << iota
	CapOrderbook
	CapCreateOrder
	CapCancelOrder
	CapBalance
	CapPositions
	CapStreams
)

// Has reports whether c includes want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// MarketQuery filters FetchMarkets.
type MarketQuery struct {
	Active bool
	Slug   string
	Limit  int
}

// StreamHandlers receives normalized stream events. Nil handlers are
// skipped. Callbacks run on the stream's read goroutine and must not
// block.
type StreamHandlers struct {
	OnOrderbook   func(domain.OrderbookSnapshot)
	OnTrade       func(domain.LastTrade)
	OnOrderUpdate func(domain.Order)
	OnStateChange func(stream.State)
}

// Stream is a live market-data subscription set.
type Stream interface {
	// SubscribeOrderbook adds a book subscription for one outcome token.
	// Idempotent; survives reconnects.
	SubscribeOrderbook(tokenID string) error
	Close() error
}

// Adapter is the per-venue implementation of the normalized surface.
// CreateOrder and CancelOrder mutate remote state; everything else is
// safely retryable.
type Adapter interface {
	Name() string
	Capabilities() Capability

	FetchMarkets(ctx context.Context, q MarketQuery) ([]domain.Market, error)
	FetchMarket(ctx context.Context, marketID string) (domain.Market, error)
	FetchOrderbook(ctx context.Context, market domain.Market, outcome string) (domain.OrderbookSnapshot, error)

	// CreateOrder submits the order and returns it with the venue-assigned
	// id and initial status filled in.
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	CancelOrder(ctx context.Context, order domain.Order) error

	// FetchOrder resolves a single order's venue-side state, used to
	// reconcile status-unknown placements.
	FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error)

	FetchBalance(ctx context.Context) (float64, error)
	FetchPositions(ctx context.Context) ([]domain.Position, error)

	OpenStream(ctx context.Context, h StreamHandlers) (Stream, error)
}

// UnsupportedError reports an operation a venue cannot perform. It unwraps
// to domain.ErrNotSupported.
type UnsupportedError struct {
	Venue string
	Op    string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("venue %s does not support %s", e.Venue, e.Op)
}

func (e *UnsupportedError) Unwrap() error { return domain.ErrNotSupported }

// Unsupported is the fail-fast result for missing capabilities.
func Unsupported(venue, op string) error {
	return &UnsupportedError{Venue: venue, Op: op}
}
