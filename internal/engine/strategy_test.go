package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guzus/dr-manhattan/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func binaryMarket() domain.Market {
	return domain.Market{
		ID:       "mkt-1",
		Venue:    "paper",
		Question: "Will it resolve yes?",
		Outcomes: []string{"Yes", "No"},
		TokenIDs: map[string]string{"Yes": "tok-yes", "No": "tok-no"},
		TickSize: 0.01,
	}
}

func bookAt(outcome string, bid, ask float64) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Venue:     "paper",
		MarketID:  "mkt-1",
		Outcome:   outcome,
		Bids:      []domain.PriceLevel{{Price: bid, Size: 100}},
		Asks:      []domain.PriceLevel{{Price: ask, Size: 100}},
		Timestamp: time.Now(),
	}
}

type placeCall struct {
	outcome string
	side    domain.OrderSide
	price   float64
	size    float64
}

// fakeEnv drives a strategy without a session or venue behind it.
type fakeEnv struct {
	market    domain.Market
	books     map[string]domain.OrderbookSnapshot
	open      map[string][]domain.Order
	positions map[string]domain.Position
	limits    RiskLimits
	now       time.Time

	placeErr  error
	placed    []placeCall
	cancelled []string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		market:    binaryMarket(),
		books:     make(map[string]domain.OrderbookSnapshot),
		open:      make(map[string][]domain.Order),
		positions: make(map[string]domain.Position),
		limits:    RiskLimits{OrderSize: 5, MaxPosition: 100, MaxDelta: 20},
		now:       time.Now(),
	}
}

func (e *fakeEnv) Market() domain.Market { return e.market }
func (e *fakeEnv) Limits() RiskLimits    { return e.limits }
func (e *fakeEnv) Now() time.Time        { return e.now }

func (e *fakeEnv) Book(outcome string) (domain.OrderbookSnapshot, bool) {
	b, ok := e.books[outcome]
	return b, ok
}

func (e *fakeEnv) OpenOrders(outcome string) []domain.Order { return e.open[outcome] }

func (e *fakeEnv) Position(outcome string) domain.Position { return e.positions[outcome] }

func (e *fakeEnv) PlaceOrder(ctx context.Context, outcome string, side domain.OrderSide, price, size float64) (domain.Order, error) {
	if e.placeErr != nil {
		return domain.Order{}, e.placeErr
	}
	e.placed = append(e.placed, placeCall{outcome: outcome, side: side, price: price, size: size})
	o, _ := domain.NewOrder("paper", e.market.ID, outcome, "", side, price, size)
	return o, nil
}

func (e *fakeEnv) CancelOrder(ctx context.Context, order domain.Order) error {
	e.cancelled = append(e.cancelled, order.ClientID)
	return nil
}

func restingOrder(t *testing.T, outcome string, side domain.OrderSide, price, size float64) domain.Order {
	t.Helper()
	o, err := domain.NewOrder("paper", "mkt-1", outcome, "", side, price, size)
	require.NoError(t, err)
	o.Status = domain.OrderStatusOpen
	return o
}

func TestBBOQuotesBothSidesOnFirstTick(t *testing.T) {
	env := newFakeEnv()
	env.books["Yes"] = bookAt("Yes", 0.45, 0.55)
	m := NewBBOMaker(BBOConfig{}, testLogger())

	require.NoError(t, m.Tick(context.Background(), env))

	require.Len(t, env.placed, 2)
	assert.Equal(t, placeCall{"Yes", domain.OrderSideBuy, 0.45, 5}, env.placed[0])
	assert.Equal(t, placeCall{"Yes", domain.OrderSideSell, 0.55, 5}, env.placed[1])
	assert.Empty(t, env.cancelled)
}

func TestBBOIdempotentOnUnchangedBook(t *testing.T) {
	env := newFakeEnv()
	env.books["Yes"] = bookAt("Yes", 0.45, 0.55)
	env.open["Yes"] = []domain.Order{
		restingOrder(t, "Yes", domain.OrderSideBuy, 0.45, 5),
		restingOrder(t, "Yes", domain.OrderSideSell, 0.55, 5),
	}
	m := NewBBOMaker(BBOConfig{}, testLogger())

	require.NoError(t, m.Tick(context.Background(), env))

	assert.Empty(t, env.placed, "no orders placed")
	assert.Empty(t, env.cancelled, "no orders cancelled")
}

func TestBBOReplacesDriftedQuote(t *testing.T) {
	env := newFakeEnv()
	env.books["Yes"] = bookAt("Yes", 0.45, 0.55)
	stale := restingOrder(t, "Yes", domain.OrderSideBuy, 0.40, 5)
	env.open["Yes"] = []domain.Order{
		stale,
		restingOrder(t, "Yes", domain.OrderSideSell, 0.55, 5),
	}
	m := NewBBOMaker(BBOConfig{Tolerance: 0.005}, testLogger())

	require.NoError(t, m.Tick(context.Background(), env))

	require.Len(t, env.cancelled, 1)
	assert.Equal(t, stale.ClientID, env.cancelled[0])
	require.Len(t, env.placed, 1)
	assert.Equal(t, placeCall{"Yes", domain.OrderSideBuy, 0.45, 5}, env.placed[0])
}

func TestBBOKeepsQuoteWithinTolerance(t *testing.T) {
	env := newFakeEnv()
	env.books["Yes"] = bookAt("Yes", 0.45, 0.55)
	env.open["Yes"] = []domain.Order{
		restingOrder(t, "Yes", domain.OrderSideBuy, 0.445, 5),
		restingOrder(t, "Yes", domain.OrderSideSell, 0.55, 5),
	}
	m := NewBBOMaker(BBOConfig{Tolerance: 0.01}, testLogger())

	require.NoError(t, m.Tick(context.Background(), env))
	assert.Empty(t, env.placed)
	assert.Empty(t, env.cancelled)
}

func TestBBOTreatsRiskBlockAsSkip(t *testing.T) {
	env := newFakeEnv()
	env.books["Yes"] = bookAt("Yes", 0.45, 0.55)
	env.placeErr = &RiskError{Reason: "delta would exceed max"}
	m := NewBBOMaker(BBOConfig{}, testLogger())

	assert.NoError(t, m.Tick(context.Background(), env))
}

func spikeReverter() *SpikeReverter {
	return NewSpikeReverter(SpikeConfig{
		Period:       20,
		Threshold:    0.015,
		ProfitTarget: 0.03,
		StopLoss:     0.02,
		Cooldown:     time.Minute,
	}, testLogger())
}

// primeSpike runs one tick at mid 0.50 so the EMA is seeded there.
func primeSpike(t *testing.T, r *SpikeReverter, env *fakeEnv) {
	t.Helper()
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)
	require.NoError(t, r.Tick(context.Background(), env))
	require.Empty(t, env.placed)
}

func TestSpikeTriggersOnDeepDip(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	// Mid 0.48 against ema 0.50: deviation -4% clears the 1.5% threshold.
	env.books["Yes"] = bookAt("Yes", 0.47, 0.49)
	require.NoError(t, r.Tick(context.Background(), env))

	require.Len(t, env.placed, 1)
	assert.Equal(t, placeCall{"Yes", domain.OrderSideBuy, 0.49, 5}, env.placed[0])
}

func TestSpikeIgnoresShallowDip(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	// Mid 0.495: deviation -1% stays inside the threshold.
	env.books["Yes"] = bookAt("Yes", 0.49, 0.50)
	require.NoError(t, r.Tick(context.Background(), env))

	assert.Empty(t, env.placed)
}

func TestSpikeExitsAtProfitTarget(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	env.positions["Yes"] = domain.Position{
		Venue: "paper", MarketID: "mkt-1", Outcome: "Yes",
		Size: 5, AvgPrice: 0.48,
	}
	// Mid 0.50 on entry 0.48: +4.2% clears the 3% target.
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)
	require.NoError(t, r.Tick(context.Background(), env))

	require.Len(t, env.placed, 1)
	assert.Equal(t, placeCall{"Yes", domain.OrderSideSell, 0.49, 5}, env.placed[0])
}

func TestSpikeExitsAtStopLoss(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	env.positions["Yes"] = domain.Position{
		Venue: "paper", MarketID: "mkt-1", Outcome: "Yes",
		Size: 5, AvgPrice: 0.52,
	}
	// Mid 0.50 on entry 0.52: -3.8% breaches the 2% stop.
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)
	require.NoError(t, r.Tick(context.Background(), env))

	require.Len(t, env.placed, 1)
	assert.Equal(t, domain.OrderSideSell, env.placed[0].side)
}

func TestSpikeHoldsInsideExitBand(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	env.positions["Yes"] = domain.Position{
		Venue: "paper", MarketID: "mkt-1", Outcome: "Yes",
		Size: 5, AvgPrice: 0.495,
	}
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)
	require.NoError(t, r.Tick(context.Background(), env))
	assert.Empty(t, env.placed)
}

func TestSpikeCooldownBlocksReentry(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	// Exit at the profit target starts the cooldown clock.
	env.positions["Yes"] = domain.Position{
		Venue: "paper", MarketID: "mkt-1", Outcome: "Yes",
		Size: 5, AvgPrice: 0.40,
	}
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)
	require.NoError(t, r.Tick(context.Background(), env))
	require.Len(t, env.placed, 1)

	// Flat again and a deep dip inside the cooldown window: no entry.
	env.placed = nil
	delete(env.positions, "Yes")
	env.books["Yes"] = bookAt("Yes", 0.40, 0.42)
	require.NoError(t, r.Tick(context.Background(), env))
	assert.Empty(t, env.placed)

	// Past the cooldown the same dip triggers again.
	env.now = env.now.Add(2 * time.Minute)
	require.NoError(t, r.Tick(context.Background(), env))
	require.Len(t, env.placed, 1)
	assert.Equal(t, domain.OrderSideBuy, env.placed[0].side)
}

func TestSpikeSkipsDuplicateExit(t *testing.T) {
	env := newFakeEnv()
	r := spikeReverter()
	primeSpike(t, r, env)

	env.positions["Yes"] = domain.Position{
		Venue: "paper", MarketID: "mkt-1", Outcome: "Yes",
		Size: 5, AvgPrice: 0.40,
	}
	env.open["Yes"] = []domain.Order{restingOrder(t, "Yes", domain.OrderSideSell, 0.49, 5)}
	env.books["Yes"] = bookAt("Yes", 0.49, 0.51)

	require.NoError(t, r.Tick(context.Background(), env))
	assert.Empty(t, env.placed, "exit already resting")
}
