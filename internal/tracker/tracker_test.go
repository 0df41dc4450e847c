package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/venue"
)

func testTracker(t *testing.T) (*Tracker, *[]Event) {
	t.Helper()
	tr := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	events := &[]Event{}
	var mu sync.Mutex
	tr.Subscribe(func(ev Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	})
	return tr, events
}

func testOrder(t *testing.T, side domain.OrderSide, price, size float64) domain.Order {
	t.Helper()
	o, err := domain.NewOrder("paper", "mkt-1", "Yes", "tok-yes", side, price, size)
	require.NoError(t, err)
	return o
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestOrderLifecycleEvents(t *testing.T) {
	tr, events := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)

	require.NoError(t, tr.Register(o))

	placed := o
	placed.ID = "venue-1"
	placed.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(o.ClientID, placed))

	got, ok := tr.Order(o.ClientID)
	require.True(t, ok)
	assert.Equal(t, "venue-1", got.ID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	update := got
	update.Filled = 4
	update.Status = domain.OrderStatusPartiallyFilled
	require.NoError(t, tr.ApplyUpdate(update))

	update.Filled = 10
	update.Status = domain.OrderStatusFilled
	require.NoError(t, tr.ApplyUpdate(update))

	assert.Equal(t,
		[]EventType{EventCreated, EventOpened, EventPartialFill, EventFilled},
		eventTypes(*events))

	got, _ = tr.Order(o.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 10.0, got.Filled)
}

func TestRegisterRequiresClientID(t *testing.T) {
	tr, _ := testTracker(t)
	err := tr.Register(domain.Order{})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	tr, _ := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))
	assert.Error(t, tr.Register(o))
}

func TestConfirmRejected(t *testing.T) {
	tr, events := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))

	placed := o
	placed.Status = domain.OrderStatusRejected
	require.NoError(t, tr.Confirm(o.ClientID, placed))

	got, _ := tr.Order(o.ClientID)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.Equal(t, []EventType{EventCreated, EventRejected}, eventTypes(*events))
}

func TestConfirmRecordsImmediateFill(t *testing.T) {
	tr, events := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))

	placed := o
	placed.ID = "venue-1"
	placed.Status = domain.OrderStatusPartiallyFilled
	placed.Filled = 3
	require.NoError(t, tr.Confirm(o.ClientID, placed))

	got, _ := tr.Order(o.ClientID)
	assert.Equal(t, 3.0, got.Filled)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, []EventType{EventCreated, EventOpened, EventPartialFill}, eventTypes(*events))

	pos := tr.Position("paper", "mkt-1", "Yes")
	assert.Equal(t, 3.0, pos.Size)
	assert.InDelta(t, 0.45, pos.AvgPrice, 1e-9)
}

func TestApplyUpdateAdoptsUnknownOrder(t *testing.T) {
	tr, events := testTracker(t)

	unknown := domain.Order{
		ID:       "venue-9",
		Venue:    "paper",
		MarketID: "mkt-1",
		Outcome:  "Yes",
		Side:     domain.OrderSideSell,
		Price:    0.55,
		Size:     5,
		Status:   domain.OrderStatusOpen,
	}
	require.NoError(t, tr.ApplyUpdate(unknown))

	open := tr.OpenOrders("paper", "mkt-1")
	require.Len(t, open, 1)
	assert.Equal(t, "venue-9", open[0].ID)
	assert.Empty(t, *events)

	// Later updates for the adopted order resolve by venue id.
	unknown.Filled = 5
	unknown.Status = domain.OrderStatusFilled
	require.NoError(t, tr.ApplyUpdate(unknown))
	assert.Empty(t, tr.OpenOrders("paper", "mkt-1"))
}

func TestApplyUpdateBackfillsAdoptedFills(t *testing.T) {
	tr, events := testTracker(t)

	// A venue order that partially filled before this process started.
	require.NoError(t, tr.ApplyUpdate(domain.Order{
		ID:       "venue-7",
		Venue:    "paper",
		MarketID: "mkt-1",
		Outcome:  "Yes",
		Side:     domain.OrderSideBuy,
		Price:    0.40,
		Size:     10,
		Filled:   4,
		Status:   domain.OrderStatusPartiallyFilled,
	}))

	pos := tr.Position("paper", "mkt-1", "Yes")
	assert.InDelta(t, 4, pos.Size, 1e-9)
	assert.InDelta(t, 0.40, pos.AvgPrice, 1e-9)

	got := *events
	require.Len(t, got, 1)
	assert.Equal(t, EventPartialFill, got[0].Type)
	require.NotNil(t, got[0].Fill)
	assert.InDelta(t, 4, got[0].Fill.Size, 1e-9)

	// The next update only folds the delta, not the whole amount again.
	require.NoError(t, tr.ApplyUpdate(domain.Order{
		ID:     "venue-7",
		Venue:  "paper",
		Filled: 10,
		Status: domain.OrderStatusFilled,
	}))
	pos = tr.Position("paper", "mkt-1", "Yes")
	assert.InDelta(t, 10, pos.Size, 1e-9)
}

func TestApplyUpdateIgnoresTerminalOrders(t *testing.T) {
	tr, _ := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))
	tr.MarkRejected(o.ClientID)

	update := o
	update.Status = domain.OrderStatusCancelled
	require.NoError(t, tr.ApplyUpdate(update))

	got, _ := tr.Order(o.ClientID)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
}

func TestCancelCoalescing(t *testing.T) {
	tr, events := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))
	placed := o
	placed.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(o.ClientID, placed))

	var granted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.RequestCancel(o.ClientID) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted, "exactly one caller owns the cancel")

	tr.FinishCancel(o.ClientID, true)
	got, _ := tr.Order(o.ClientID)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, []EventType{EventCreated, EventOpened, EventCancelled}, eventTypes(*events))

	// Terminal orders never grant a cancel slot.
	assert.False(t, tr.RequestCancel(o.ClientID))
}

func TestFinishCancelFailureReleasesSlot(t *testing.T) {
	tr, _ := testTracker(t)
	o := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(o))
	placed := o
	placed.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(o.ClientID, placed))

	require.True(t, tr.RequestCancel(o.ClientID))
	assert.False(t, tr.RequestCancel(o.ClientID))

	tr.FinishCancel(o.ClientID, false)
	assert.True(t, tr.RequestCancel(o.ClientID), "slot reopens after failed cancel")
}

func TestPositionFoldsBuysAndSells(t *testing.T) {
	tr, _ := testTracker(t)

	buy := testOrder(t, domain.OrderSideBuy, 0.40, 10)
	require.NoError(t, tr.Register(buy))
	placedBuy := buy
	placedBuy.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(buy.ClientID, placedBuy))
	update := placedBuy
	update.Filled = 10
	require.NoError(t, tr.ApplyUpdate(update))

	sell := testOrder(t, domain.OrderSideSell, 0.50, 4)
	require.NoError(t, tr.Register(sell))
	placedSell := sell
	placedSell.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(sell.ClientID, placedSell))
	update = placedSell
	update.Filled = 4
	require.NoError(t, tr.ApplyUpdate(update))

	tr.SetMark("paper", "mkt-1", "Yes", 0.48)
	pos := tr.Position("paper", "mkt-1", "Yes")
	assert.Equal(t, 6.0, pos.Size)
	assert.InDelta(t, 0.40, pos.AvgPrice, 1e-9)
	assert.InDelta(t, 0.48, pos.Mark, 1e-9)

	all := tr.Positions("paper", "mkt-1")
	require.Len(t, all, 1)
	assert.Equal(t, "Yes", all[0].Outcome)
}

// reconcileAdapter stubs the subset of venue.Adapter that Reconcile uses.
type reconcileAdapter struct {
	venue.Adapter
	open   []domain.Order
	orders map[string]domain.Order
}

func (a *reconcileAdapter) Name() string { return "paper" }

func (a *reconcileAdapter) FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	return a.open, nil
}

func (a *reconcileAdapter) FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	o, ok := a.orders[order.ID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func TestReconcile(t *testing.T) {
	tr, _ := testTracker(t)

	// Local order the venue no longer lists: resolves to filled.
	filled := testOrder(t, domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, tr.Register(filled))
	placed := filled
	placed.ID = "venue-filled"
	placed.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(filled.ClientID, placed))

	// Local order the venue has no record of at all: resolves to cancelled.
	gone := testOrder(t, domain.OrderSideSell, 0.55, 5)
	require.NoError(t, tr.Register(gone))
	placedGone := gone
	placedGone.ID = "venue-gone"
	placedGone.Status = domain.OrderStatusOpen
	require.NoError(t, tr.Confirm(gone.ClientID, placedGone))

	resolvedFilled := placed
	resolvedFilled.Filled = 10
	resolvedFilled.Status = domain.OrderStatusFilled

	adapter := &reconcileAdapter{
		open: []domain.Order{{
			ID:       "venue-unknown",
			Venue:    "paper",
			MarketID: "mkt-1",
			Outcome:  "No",
			Side:     domain.OrderSideBuy,
			Price:    0.30,
			Size:     5,
			Status:   domain.OrderStatusOpen,
		}},
		orders: map[string]domain.Order{"venue-filled": resolvedFilled},
	}

	require.NoError(t, tr.Reconcile(context.Background(), adapter, "mkt-1"))

	got, _ := tr.Order(filled.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	got, _ = tr.Order(gone.ClientID)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	open := tr.OpenOrders("paper", "mkt-1")
	require.Len(t, open, 1)
	assert.Equal(t, "venue-unknown", open[0].ID)

	pos := tr.Position("paper", "mkt-1", "Yes")
	assert.Equal(t, 10.0, pos.Size)
}
