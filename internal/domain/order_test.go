package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderValidation(t *testing.T) {
	_, err := NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0, 5)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 1, 5)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0.5, 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	o, err := NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0.45, 5)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, o.Status)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, o.ID, o.ClientID)
}

func TestOrderTransitions(t *testing.T) {
	o, err := NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0.45, 5)
	require.NoError(t, err)

	require.NoError(t, o.Transition(OrderStatusOpen))
	require.NoError(t, o.Transition(OrderStatusCancelled))

	// Terminal states are immutable.
	assert.Error(t, o.Transition(OrderStatusOpen))
	assert.Error(t, o.Transition(OrderStatusFilled))
	assert.Error(t, o.ApplyFill(1))
}

func TestOrderIllegalTransition(t *testing.T) {
	o, err := NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0.45, 5)
	require.NoError(t, err)

	// pending -> partially_filled skips open.
	assert.Error(t, o.Transition(OrderStatusPartiallyFilled))
	// self-transition is not a move.
	assert.Error(t, o.Transition(OrderStatusPending))
}

func TestOrderFillInvariant(t *testing.T) {
	o, err := NewOrder("paper", "m1", "Yes", "tok1", OrderSideBuy, 0.45, 5)
	require.NoError(t, err)
	require.NoError(t, o.Transition(OrderStatusOpen))

	require.NoError(t, o.ApplyFill(2))
	assert.Equal(t, OrderStatusPartiallyFilled, o.Status)
	assert.InDelta(t, 2.0, o.Filled, 1e-9)
	assert.InDelta(t, 3.0, o.Remaining(), 1e-9)

	// filled <= size at every observed state.
	assert.Error(t, o.ApplyFill(4))
	assert.InDelta(t, 2.0, o.Filled, 1e-9)

	require.NoError(t, o.ApplyFill(3))
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.InDelta(t, 5.0, o.Filled, 1e-9)

	// No further transitions after FILLED.
	assert.Error(t, o.ApplyFill(1))
	assert.Error(t, o.Transition(OrderStatusCancelled))
}

func TestPartialFillThenCancel(t *testing.T) {
	o, err := NewOrder("paper", "m1", "No", "tok2", OrderSideSell, 0.55, 10)
	require.NoError(t, err)
	require.NoError(t, o.Transition(OrderStatusOpen))
	require.NoError(t, o.ApplyFill(4))
	require.NoError(t, o.Transition(OrderStatusCancelled))
	assert.True(t, o.Status.Terminal())
	assert.InDelta(t, 4.0, o.Filled, 1e-9)
}
