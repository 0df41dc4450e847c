// Package tracker reconciles locally issued orders against venue-reported
// state and projects positions from observed fills. It is the only writer
// of Order and Position values; every other component reads snapshots.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// EventType classifies tracker notifications.
type EventType string

const (
	EventCreated     EventType = "created"
	EventOpened      EventType = "opened"
	EventPartialFill EventType = "partial_fill"
	EventFilled      EventType = "filled"
	EventCancelled   EventType = "cancelled"
	EventRejected    EventType = "rejected"
)

// Event carries one order lifecycle notification. Fill is set on the two
// fill event types.
type Event struct {
	Type  EventType
	Order domain.Order
	Fill  *domain.Fill
}

type posKey struct {
	venue    string
	marketID string
	outcome  string
}

// Tracker owns order state for all sessions on all venues. Safe for
// concurrent use; callbacks run synchronously under no lock.
type Tracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	orders    map[string]*domain.Order // by client id
	byVenueID map[string]string        // venue order id -> client id
	fills     map[posKey][]domain.Fill // append-only per (venue, market, outcome)
	marks     map[posKey]float64
	cancels   map[string]bool // client ids with a cancel in flight
	subs      []func(Event)
}

func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With(slog.String("component", "tracker")),
		orders:    make(map[string]*domain.Order),
		byVenueID: make(map[string]string),
		fills:     make(map[posKey][]domain.Fill),
		marks:     make(map[posKey]float64),
		cancels:   make(map[string]bool),
	}
}

// Subscribe registers an event callback. Not safe to call after events
// start flowing.
func (t *Tracker) Subscribe(fn func(Event)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Register records a pending order before it is sent to the venue, so a
// mid-call crash still leaves a local record to reconcile against.
func (t *Tracker) Register(order domain.Order) error {
	if order.ClientID == "" {
		return fmt.Errorf("%w: order has no client id", domain.ErrInvalidOrder)
	}

	t.mu.Lock()
	if _, exists := t.orders[order.ClientID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("tracker: order %s already registered", order.ClientID)
	}
	o := order
	t.orders[order.ClientID] = &o
	t.mu.Unlock()

	t.emit(Event{Type: EventCreated, Order: order})
	return nil
}

// Confirm applies the venue's accept/reject response to a registered
// pending order.
func (t *Tracker) Confirm(clientID string, placed domain.Order) error {
	t.mu.Lock()
	o, ok := t.orders[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: %w: %s", domain.ErrOrderNotFound, clientID)
	}

	o.ID = placed.ID
	o.UpdatedAt = time.Now()
	if placed.ID != "" {
		t.byVenueID[placed.ID] = clientID
	}

	next := placed.Status
	if next == domain.OrderStatusPending {
		next = domain.OrderStatusOpen
	}
	var ev *Event
	switch next {
	case domain.OrderStatusRejected:
		o.Status = domain.OrderStatusRejected
		ev = &Event{Type: EventRejected, Order: *o}
	default:
		if err := o.Transition(domain.OrderStatusOpen); err != nil {
			t.mu.Unlock()
			return err
		}
		ev = &Event{Type: EventOpened, Order: *o}
	}
	t.mu.Unlock()

	t.emit(*ev)

	// Venue may report an immediate (taker) fill in the same response.
	if placed.Filled > 0 && next != domain.OrderStatusRejected {
		return t.applyFillDelta(clientID, placed.Filled)
	}
	return nil
}

// MarkRejected transitions a pending order that never reached the venue
// (signing failure, validation failure) to rejected.
func (t *Tracker) MarkRejected(clientID string) {
	t.mu.Lock()
	o, ok := t.orders[clientID]
	if !ok || o.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	o.Status = domain.OrderStatusRejected
	o.UpdatedAt = time.Now()
	order := *o
	t.mu.Unlock()

	t.emit(Event{Type: EventRejected, Order: order})
}

// ApplyUpdate folds a venue-reported order state (poll or stream) into the
// local record: new fills are appended to the fill log, terminal states
// applied. Updates for unknown orders are adopted so venue-side orders
// placed before a crash still get tracked.
func (t *Tracker) ApplyUpdate(update domain.Order) error {
	t.mu.Lock()
	clientID := update.ClientID
	if clientID == "" {
		clientID = t.byVenueID[update.ID]
	}
	o, ok := t.orders[clientID]
	if !ok {
		// Unknown order: adopt it under its venue id.
		clientID = update.ClientID
		if clientID == "" {
			clientID = update.ID
		}
		adopted := update
		adopted.ClientID = clientID
		// Start the adopted record unfilled so the delta path below
		// backfills the fill log; otherwise folded positions would miss
		// fills that predate adoption.
		if adopted.Filled > 0 {
			adopted.Filled = 0
			switch adopted.Status {
			case domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
				adopted.Status = domain.OrderStatusOpen
			}
		}
		t.orders[clientID] = &adopted
		if update.ID != "" {
			t.byVenueID[update.ID] = clientID
		}
		o = &adopted
		t.logger.Warn("adopted unknown venue order",
			slog.String("order_id", update.ID),
			slog.String("venue", update.Venue))
	}
	terminal := o.Status.Terminal()
	prevFilled := o.Filled
	t.mu.Unlock()
	if terminal {
		return nil
	}

	if delta := update.Filled - prevFilled; delta > 1e-9 {
		if err := t.applyFillDelta(clientID, delta); err != nil {
			return err
		}
	}

	switch update.Status {
	case domain.OrderStatusCancelled:
		return t.finishTerminal(clientID, domain.OrderStatusCancelled, EventCancelled)
	case domain.OrderStatusRejected:
		return t.finishTerminal(clientID, domain.OrderStatusRejected, EventRejected)
	}
	return nil
}

// applyFillDelta records delta units filled against the order and appends
// to the fill log.
func (t *Tracker) applyFillDelta(clientID string, delta float64) error {
	t.mu.Lock()
	o, ok := t.orders[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: %w: %s", domain.ErrOrderNotFound, clientID)
	}
	if err := o.ApplyFill(delta); err != nil {
		t.mu.Unlock()
		return err
	}

	fill := domain.Fill{
		OrderID:  o.ID,
		Venue:    o.Venue,
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Side:     o.Side,
		Price:    o.Price,
		Size:     delta,
		Time:     time.Now(),
	}
	key := posKey{o.Venue, o.MarketID, o.Outcome}
	t.fills[key] = append(t.fills[key], fill)
	order := *o
	t.mu.Unlock()

	evType := EventPartialFill
	if order.Status == domain.OrderStatusFilled {
		evType = EventFilled
	}
	t.emit(Event{Type: evType, Order: order, Fill: &fill})
	return nil
}

func (t *Tracker) finishTerminal(clientID string, status domain.OrderStatus, evType EventType) error {
	t.mu.Lock()
	o, ok := t.orders[clientID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("tracker: %w: %s", domain.ErrOrderNotFound, clientID)
	}
	if o.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	if err := o.Transition(status); err != nil {
		t.mu.Unlock()
		return err
	}
	delete(t.cancels, clientID)
	order := *o
	t.mu.Unlock()

	t.emit(Event{Type: evType, Order: order})
	return nil
}

// RequestCancel claims the cancel slot for an order. It returns true when
// the caller should issue the venue cancel; false when the order is
// already terminal or another cancel is in flight.
func (t *Tracker) RequestCancel(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientID]
	if !ok || o.Status.Terminal() || t.cancels[clientID] {
		return false
	}
	t.cancels[clientID] = true
	return true
}

// FinishCancel releases the cancel slot. When cancelled is true the order
// transitions to CANCELLED.
func (t *Tracker) FinishCancel(clientID string, cancelled bool) {
	if cancelled {
		if err := t.finishTerminal(clientID, domain.OrderStatusCancelled, EventCancelled); err != nil {
			t.logger.Warn("finish cancel", slog.String("client_id", clientID), slog.Any("error", err))
		}
		return
	}
	t.mu.Lock()
	delete(t.cancels, clientID)
	t.mu.Unlock()
}

// Order returns a snapshot of one tracked order.
func (t *Tracker) Order(clientID string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// OpenOrders returns snapshots of all non-terminal orders for a market.
func (t *Tracker) OpenOrders(venueName, marketID string) []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Order
	for _, o := range t.orders {
		if o.Status.Terminal() {
			continue
		}
		if o.Venue != venueName || o.MarketID != marketID {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// SetMark updates the mark price used for position valuation.
func (t *Tracker) SetMark(venueName, marketID, outcome string, mark float64) {
	t.mu.Lock()
	t.marks[posKey{venueName, marketID, outcome}] = mark
	t.mu.Unlock()
}

// Position folds the fill log for one outcome into a position snapshot.
func (t *Tracker) Position(venueName, marketID, outcome string) domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := posKey{venueName, marketID, outcome}
	return domain.FoldFills(venueName, marketID, outcome, t.fills[key], t.marks[key])
}

// Positions returns all non-flat positions for a market.
func (t *Tracker) Positions(venueName, marketID string) []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Position
	for key, fills := range t.fills {
		if key.venue != venueName || key.marketID != marketID {
			continue
		}
		pos := domain.FoldFills(key.venue, key.marketID, key.outcome, fills, t.marks[key])
		if pos.Size != 0 {
			out = append(out, pos)
		}
	}
	return out
}

// Reconcile diffs venue-reported open orders against local state: venue
// orders we do not know are adopted, and local open orders the venue no
// longer lists are resolved with FetchOrder.
func (t *Tracker) Reconcile(ctx context.Context, adapter venue.Adapter, marketID string) error {
	venueOpen, err := adapter.FetchOpenOrders(ctx, marketID)
	if err != nil {
		return fmt.Errorf("tracker: reconcile: %w", err)
	}

	venueIDs := make(map[string]bool, len(venueOpen))
	for _, o := range venueOpen {
		venueIDs[o.ID] = true
		if err := t.ApplyUpdate(o); err != nil {
			t.logger.Warn("reconcile update", slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}

	for _, local := range t.OpenOrders(adapter.Name(), marketID) {
		if local.ID == "" || venueIDs[local.ID] {
			continue
		}
		resolved, err := adapter.FetchOrder(ctx, local)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				// The venue has no record: treat as cancelled.
				t.finishTerminal(local.ClientID, domain.OrderStatusCancelled, EventCancelled)
				continue
			}
			t.logger.Warn("reconcile fetch order",
				slog.String("order_id", local.ID), slog.Any("error", err))
			continue
		}
		resolved.ClientID = local.ClientID
		if err := t.ApplyUpdate(resolved); err != nil {
			t.logger.Warn("reconcile resolve", slog.String("order_id", local.ID), slog.Any("error", err))
		}
		// Orders the venue stopped listing but still reports open have
		// likely filled completely; trust the fetched state either way.
	}
	return nil
}

// Poll runs Reconcile at the given interval until ctx ends. Sessions that
// consume stream order updates do not need it; REST-only venues do.
func (t *Tracker) Poll(ctx context.Context, adapter venue.Adapter, marketID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Reconcile(ctx, adapter, marketID); err != nil {
				t.logger.Warn("poll reconcile", slog.Any("error", err))
			}
		}
	}
}
