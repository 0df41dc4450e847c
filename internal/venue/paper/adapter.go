// Package paper implements an in-memory simulated venue. It backs dry-run
// mode and exercises the full adapter surface in tests: orders rest until
// the test or simulator fills them, balances and positions follow observed
// fills, and seeded orderbooks are pushed to any open stream.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// VenueName identifies this adapter in the registry.
const VenueName = "paper"

// Adapter is the simulated implementation of venue.Adapter.
type Adapter struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	books   map[string]domain.OrderbookSnapshot // keyed by token id
	orders  map[string]domain.Order             // keyed by venue order id
	fills   []domain.Fill
	cash    float64
	seq     int
	streams map[*Stream]struct{}
}

// New builds an empty paper venue with the given starting cash.
func New(cash float64) *Adapter {
	return &Adapter{
		markets: make(map[string]domain.Market),
		books:   make(map[string]domain.OrderbookSnapshot),
		orders:  make(map[string]domain.Order),
		cash:    cash,
		streams: make(map[*Stream]struct{}),
	}
}

func (a *Adapter) Name() string { return VenueName }

func (a *Adapter) Capabilities() venue.Capability {
	return venue.CapMarkets | venue.CapOrderbook | venue.CapCreateOrder |
		venue.CapCancelOrder | venue.CapBalance | venue.CapPositions | venue.CapStreams
}

// SeedMarket installs or replaces a market.
func (a *Adapter) SeedMarket(m domain.Market) {
	a.mu.Lock()
	a.markets[m.ID] = m
	a.mu.Unlock()
}

// SeedOrderbook installs a book snapshot and pushes it to subscribed
// streams.
func (a *Adapter) SeedOrderbook(snap domain.OrderbookSnapshot) {
	snap.Venue = VenueName
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.books[snap.TokenID] = snap
	streams := make([]*Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.deliver(snap)
	}
}

// Fill executes size units against a resting order, adjusting cash and the
// fill log, and notifies streams carrying the user channel.
func (a *Adapter) Fill(orderID string, size float64) error {
	a.mu.Lock()
	order, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("paper: %w: %s", domain.ErrOrderNotFound, orderID)
	}
	if err := order.ApplyFill(size); err != nil {
		a.mu.Unlock()
		return err
	}
	a.orders[orderID] = order

	fill := domain.Fill{
		OrderID:  orderID,
		Venue:    VenueName,
		MarketID: order.MarketID,
		Outcome:  order.Outcome,
		Side:     order.Side,
		Price:    order.Price,
		Size:     size,
		Time:     time.Now(),
	}
	a.fills = append(a.fills, fill)
	if order.Side == domain.OrderSideBuy {
		a.cash -= order.Price * size
	} else {
		a.cash += order.Price * size
	}
	streams := make([]*Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.deliverOrder(order)
	}
	return nil
}

func (a *Adapter) FetchMarkets(ctx context.Context, q venue.MarketQuery) ([]domain.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Market, 0, len(a.markets))
	for _, m := range a.markets {
		if q.Active && m.Closed {
			continue
		}
		if q.Slug != "" && m.Slug != q.Slug {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.markets[marketID]
	if !ok {
		return domain.Market{}, fmt.Errorf("paper: %w: %s", domain.ErrMarketNotFound, marketID)
	}
	return m, nil
}

func (a *Adapter) FetchOrderbook(ctx context.Context, market domain.Market, outcome string) (domain.OrderbookSnapshot, error) {
	tokenID, ok := market.TokenID(outcome)
	if !ok {
		return domain.OrderbookSnapshot{}, fmt.Errorf("paper: %w: no token for outcome %q", domain.ErrMarketNotFound, outcome)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.books[tokenID]
	if !ok {
		return domain.OrderbookSnapshot{}, fmt.Errorf("paper: %w: no book for token %s", domain.ErrMarketNotFound, tokenID)
	}
	return snap, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order.Side == domain.OrderSideBuy && order.Price*order.Size > a.cash {
		return order, fmt.Errorf("paper: %w: need %.2f, have %.2f",
			domain.ErrInsufficientFunds, order.Price*order.Size, a.cash)
	}

	a.seq++
	order.ID = fmt.Sprintf("paper-%d", a.seq)
	order.Status = domain.OrderStatusOpen
	order.UpdatedAt = time.Now()
	a.orders[order.ID] = order
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, order domain.Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.orders[order.ID]
	if !ok {
		return fmt.Errorf("paper: %w: %s", domain.ErrOrderNotFound, order.ID)
	}
	if stored.Status.Terminal() {
		return nil
	}
	if err := stored.Transition(domain.OrderStatusCancelled); err != nil {
		return err
	}
	a.orders[order.ID] = stored
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, ok := a.orders[order.ID]
	if !ok {
		return domain.Order{}, fmt.Errorf("paper: %w: %s", domain.ErrOrderNotFound, order.ID)
	}
	return stored, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Order
	for _, o := range a.orders {
		if o.Status.Terminal() {
			continue
		}
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	type key struct{ market, outcome string }
	grouped := make(map[key][]domain.Fill)
	for _, f := range a.fills {
		k := key{f.MarketID, f.Outcome}
		grouped[k] = append(grouped[k], f)
	}

	var out []domain.Position
	for k, fills := range grouped {
		mark := 0.0
		if m, ok := a.markets[k.market]; ok {
			mark = m.Prices[k.outcome]
		}
		pos := domain.FoldFills(VenueName, k.market, k.outcome, fills, mark)
		if pos.Size != 0 {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (a *Adapter) OpenStream(ctx context.Context, h venue.StreamHandlers) (venue.Stream, error) {
	s := &Stream{adapter: a, handlers: h, tokens: make(map[string]bool)}
	a.mu.Lock()
	a.streams[s] = struct{}{}
	a.mu.Unlock()
	return s, nil
}

// Stream is the paper venue's in-process stream.
type Stream struct {
	adapter  *Adapter
	handlers venue.StreamHandlers

	mu     sync.Mutex
	tokens map[string]bool
	closed bool
}

// SubscribeOrderbook registers interest and immediately redelivers the
// current snapshot when one is seeded.
func (s *Stream) SubscribeOrderbook(tokenID string) error {
	s.mu.Lock()
	s.tokens[tokenID] = true
	s.mu.Unlock()

	s.adapter.mu.Lock()
	snap, ok := s.adapter.books[tokenID]
	s.adapter.mu.Unlock()
	if ok {
		s.deliver(snap)
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.adapter.mu.Lock()
	delete(s.adapter.streams, s)
	s.adapter.mu.Unlock()
	return nil
}

func (s *Stream) deliver(snap domain.OrderbookSnapshot) {
	s.mu.Lock()
	ok := !s.closed && s.tokens[snap.TokenID]
	s.mu.Unlock()
	if ok && s.handlers.OnOrderbook != nil {
		s.handlers.OnOrderbook(snap)
	}
}

func (s *Stream) deliverOrder(order domain.Order) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed && s.handlers.OnOrderUpdate != nil {
		s.handlers.OnOrderUpdate(order)
	}
}
