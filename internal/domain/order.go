package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the order lifecycle.
//
// The legal transitions are:
//
//	PENDING -> OPEN | REJECTED | CANCELLED
//	OPEN -> PARTIALLY_FILLED | FILLED | CANCELLED | REJECTED
//	PARTIALLY_FILLED -> FILLED | CANCELLED
//
// FILLED, CANCELLED and REJECTED are terminal; once entered no further
// transition occurs.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusOpen, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusOpen:            {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether s -> next is a legal lifecycle move.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return false
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is a limit order on one outcome of a market. The Order Tracker owns
// all mutation; every other component works on a copy.
//
// ID starts as a locally generated uuid while the order is PENDING and is
// replaced by the venue-assigned id on acceptance. ClientID keeps the local
// id for the lifetime of the order so pre-acceptance crashes can still be
// reconciled.
type Order struct {
	ID        string
	ClientID  string
	Venue     string
	MarketID  string
	Outcome   string
	TokenID   string
	Side      OrderSide
	Price     float64
	Size      float64
	Filled    float64
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder builds a PENDING order with a locally generated id. Price must be
// strictly inside (0,1) and size strictly positive.
func NewOrder(venue, marketID, outcome, tokenID string, side OrderSide, price, size float64) (Order, error) {
	if price <= 0 || price >= 1 {
		return Order{}, fmt.Errorf("%w: price %f outside (0,1)", ErrInvalidOrder, price)
	}
	if size <= 0 {
		return Order{}, fmt.Errorf("%w: size %f must be positive", ErrInvalidOrder, size)
	}
	if side != OrderSideBuy && side != OrderSideSell {
		return Order{}, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, side)
	}
	id := uuid.NewString()
	now := time.Now()
	return Order{
		ID:        id,
		ClientID:  id,
		Venue:     venue,
		MarketID:  marketID,
		Outcome:   outcome,
		TokenID:   tokenID,
		Side:      side,
		Price:     price,
		Size:      size,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Remaining returns the unfilled portion of the order.
func (o Order) Remaining() float64 {
	return o.Size - o.Filled
}

// Transition moves the order to next, rejecting illegal moves and any
// mutation of a terminal state.
func (o *Order) Transition(next OrderStatus) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: status %s is terminal", o.ID, o.Status)
	}
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// ApplyFill records size newly filled, enforcing filled <= size at every
// observed state, and advances the status to PARTIALLY_FILLED or FILLED.
func (o *Order) ApplyFill(size float64) error {
	if size <= 0 {
		return fmt.Errorf("order %s: fill size %f must be positive", o.ID, size)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: fill on terminal status %s", o.ID, o.Status)
	}
	if o.Filled+size > o.Size+1e-9 {
		return fmt.Errorf("order %s: fill %f would exceed size %f (filled %f)", o.ID, size, o.Size, o.Filled)
	}
	o.Filled += size
	if o.Filled >= o.Size-1e-9 {
		o.Filled = o.Size
		o.Status = OrderStatusFilled
	} else if o.Status == OrderStatusOpen {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now()
	return nil
}
