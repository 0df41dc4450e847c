package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/tracker"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// SessionState is the session lifecycle state.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionRunning SessionState = "running"
	SessionPaused  SessionState = "paused"
	SessionStopped SessionState = "stopped"
)

const defaultTickInterval = time.Second

// SessionConfig binds a strategy to one (venue, market) pair.
type SessionConfig struct {
	Adapter      venue.Adapter
	Tracker      *tracker.Tracker
	Market       domain.Market
	Strategy     Strategy
	Limits       RiskLimits
	TickInterval time.Duration
	Liquidate    bool // best-effort close of positions on stop
	Sink         SummarySink
	// OnPause fires when a tick error auto-pauses the session; operator
	// pauses do not trigger it.
	OnPause func(sessionID, reason string)
	Logger  *slog.Logger
}

// Session drives one strategy on one market with its own tick goroutine.
// Sessions share the tracker and adapter with other sessions on the same
// venue but no other mutable state.
type Session struct {
	id       string
	adapter  venue.Adapter
	tracker  *tracker.Tracker
	market   domain.Market
	strategy Strategy
	limits   RiskLimits
	interval time.Duration
	liqOnStop bool
	sink     SummarySink
	onPause  func(sessionID, reason string)
	logger   *slog.Logger

	// books and cash are only touched by the tick goroutine.
	books map[string]domain.OrderbookSnapshot
	cash  float64

	mu      sync.Mutex
	state   SessionState
	lastErr error
	summary TickSummary

	cancel context.CancelFunc
	done   chan struct{}
}

// SessionStatus is a read-only snapshot for operators.
type SessionStatus struct {
	ID       string
	Venue    string
	MarketID string
	Strategy string
	State    SessionState
	LastError string
	Summary  TickSummary
}

// NewSession validates the config and builds a CREATED session. Delta
// accounting only works on two-outcome markets, so others are refused.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Adapter == nil || cfg.Tracker == nil || cfg.Strategy == nil {
		return nil, errors.New("engine: session needs adapter, tracker and strategy")
	}
	if !cfg.Market.IsBinary() {
		return nil, fmt.Errorf("%w: market %s has %d outcomes, only binary markets are supported",
			domain.ErrNotSupported, cfg.Market.ID, len(cfg.Market.Outcomes))
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	need := venue.CapOrderbook | venue.CapCreateOrder | venue.CapCancelOrder
	if !cfg.Adapter.Capabilities().Has(need) {
		return nil, venue.Unsupported(cfg.Adapter.Name(), "strategy trading")
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NewSlogSink(logger)
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		adapter:   cfg.Adapter,
		tracker:   cfg.Tracker,
		market:    cfg.Market,
		strategy:  cfg.Strategy,
		limits:    cfg.Limits,
		interval:  interval,
		liqOnStop: cfg.Liquidate,
		sink:      sink,
		onPause:   cfg.OnPause,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", id),
			slog.String("venue", cfg.Adapter.Name()),
			slog.String("market", cfg.Market.ID),
			slog.String("strategy", cfg.Strategy.Name()),
		),
		books: make(map[string]domain.OrderbookSnapshot),
		state: SessionCreated,
		done:  make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

// Start moves the session to RUNNING and launches the tick loop. The first
// tick runs synchronously so a session is live the moment Start returns.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionCreated {
		s.mu.Unlock()
		return fmt.Errorf("engine: session %s already started", s.id)
	}
	s.state = SessionRunning
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.runTick(runCtx)
	go s.run(runCtx)
	s.logger.Info("session started")
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Session) runTick(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != SessionRunning {
		return
	}

	tctx, cancel := context.WithTimeout(ctx, s.interval)
	err := s.tick(tctx)
	cancel()
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, domain.ErrAuthentication):
		// Bad credentials do not fix themselves; stop trading but keep
		// reporting status until the operator intervenes.
		s.logger.Error("authentication failure, pausing session", slog.Any("error", err))
		s.mu.Lock()
		s.lastErr = err
		paused := s.state == SessionRunning
		if paused {
			s.state = SessionPaused
		}
		s.mu.Unlock()
		if paused && s.onPause != nil {
			s.onPause(s.id, err.Error())
		}
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidOrder):
		s.logger.Debug("tick action skipped", slog.Any("error", err))
		s.setLastErr(err)
	default:
		// Transport already retried transient failures.
		s.logger.Warn("tick error", slog.Any("error", err))
		s.setLastErr(err)
	}
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// tick refreshes market state, reconciles orders, runs the strategy and
// emits the account summary.
func (s *Session) tick(ctx context.Context) error {
	for _, outcome := range s.market.Outcomes {
		book, err := s.adapter.FetchOrderbook(ctx, s.market, outcome)
		if err != nil {
			s.logger.Warn("orderbook fetch failed",
				slog.String("outcome", outcome), slog.Any("error", err))
			delete(s.books, outcome)
			continue
		}
		s.books[outcome] = book
		if mid, ok := book.MidPrice(); ok {
			s.tracker.SetMark(s.adapter.Name(), s.market.ID, outcome, mid)
		}
	}

	if err := s.tracker.Reconcile(ctx, s.adapter, s.market.ID); err != nil {
		s.logger.Warn("reconcile failed", slog.Any("error", err))
	}

	if s.adapter.Capabilities().Has(venue.CapBalance) {
		cash, err := s.adapter.FetchBalance(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrAuthentication) {
				return err
			}
			s.logger.Warn("balance fetch failed", slog.Any("error", err))
		} else {
			s.cash = cash
		}
	}

	err := s.strategy.Tick(ctx, &tickEnv{s: s, now: time.Now()})

	summary := s.summarize()
	s.mu.Lock()
	s.summary = summary
	if err == nil {
		s.lastErr = nil
	}
	s.mu.Unlock()
	s.sink.EmitSummary(s.id, summary)
	return err
}

func (s *Session) summarize() TickSummary {
	venueName := s.adapter.Name()
	positions := make(map[string]float64, len(s.market.Outcomes))
	nav := s.cash
	for _, outcome := range s.market.Outcomes {
		pos := s.tracker.Position(venueName, s.market.ID, outcome)
		positions[outcome] = pos.Size
		nav += pos.CurrentValue()
	}
	return TickSummary{
		Time:       time.Now(),
		NAV:        nav,
		Cash:       s.cash,
		Positions:  positions,
		Delta:      domain.CalculateDelta(positions).Delta,
		OpenOrders: len(s.tracker.OpenOrders(venueName, s.market.ID)),
	}
}

// Pause suspends ticking. Resting orders stay on the venue.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionRunning:
		s.state = SessionPaused
		return nil
	case SessionPaused:
		return nil
	default:
		return fmt.Errorf("engine: cannot pause session in state %s", s.state)
	}
}

// Resume restarts ticking after a pause and clears the surfaced error.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionPaused:
		s.state = SessionRunning
		s.lastErr = nil
		return nil
	case SessionRunning:
		return nil
	default:
		return fmt.Errorf("engine: cannot resume session in state %s", s.state)
	}
}

// Stop ends the tick loop, waits for any in-flight tick to finish, then
// cancels all resting orders and optionally liquidates positions. ctx
// bounds the cleanup calls, not the drained tick.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionStopped {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = SessionStopped
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}
	if prev == SessionCreated {
		return nil
	}
	return s.cleanup(ctx)
}

func (s *Session) cleanup(ctx context.Context) error {
	venueName := s.adapter.Name()
	var firstErr error
	for _, o := range s.tracker.OpenOrders(venueName, s.market.ID) {
		if !s.tracker.RequestCancel(o.ClientID) {
			continue
		}
		if err := s.adapter.CancelOrder(ctx, o); err != nil {
			s.tracker.FinishCancel(o.ClientID, false)
			s.logger.Warn("cleanup cancel failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.tracker.FinishCancel(o.ClientID, true)
	}

	if s.liqOnStop {
		s.liquidate(ctx)
	}
	s.logger.Info("session stopped")
	return firstErr
}

// liquidate closes open long positions at the best bid, best effort: a
// failed leg is reported once and left alone.
func (s *Session) liquidate(ctx context.Context) {
	venueName := s.adapter.Name()
	for _, pos := range s.tracker.Positions(venueName, s.market.ID) {
		if pos.Size <= 0 {
			continue
		}
		book, err := s.adapter.FetchOrderbook(ctx, s.market, pos.Outcome)
		if err != nil {
			s.logger.Warn("liquidation book fetch failed",
				slog.String("outcome", pos.Outcome), slog.Any("error", err))
			continue
		}
		bid, ok := book.BestBid()
		if !ok {
			s.logger.Warn("liquidation skipped, no bids", slog.String("outcome", pos.Outcome))
			continue
		}
		if _, err := s.placeOrder(ctx, pos.Outcome, domain.OrderSideSell, bid, pos.Size, false); err != nil {
			s.logger.Warn("liquidation order failed",
				slog.String("outcome", pos.Outcome), slog.Any("error", err))
		}
	}
}

// Status returns the operator snapshot. The summary reflects the most
// recent completed tick.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SessionStatus{
		ID:       s.id,
		Venue:    s.adapter.Name(),
		MarketID: s.market.ID,
		Strategy: s.strategy.Name(),
		State:    s.state,
		Summary:  s.summary,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// placeOrder registers, submits and confirms one order. guarded toggles the
// risk checks; liquidation bypasses them since it only reduces exposure.
func (s *Session) placeOrder(ctx context.Context, outcome string, side domain.OrderSide, price, size float64, guarded bool) (domain.Order, error) {
	if guarded {
		if err := s.guardOrder(outcome, side, price, size); err != nil {
			return domain.Order{}, err
		}
	}
	tokenID, _ := s.market.TokenID(outcome)
	order, err := domain.NewOrder(s.adapter.Name(), s.market.ID, outcome, tokenID, side, s.market.RoundToTick(price), size)
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.tracker.Register(order); err != nil {
		return domain.Order{}, err
	}

	placed, err := s.adapter.CreateOrder(ctx, order)
	if err != nil {
		var unknown *domain.StatusUnknownError
		if errors.As(err, &unknown) {
			// The venue may have accepted the order; leave it pending for
			// the next reconcile instead of resubmitting.
			s.logger.Warn("order status unknown, awaiting reconcile",
				slog.String("client_id", order.ClientID))
			return order, err
		}
		s.tracker.MarkRejected(order.ClientID)
		return domain.Order{}, err
	}
	if err := s.tracker.Confirm(order.ClientID, placed); err != nil {
		return domain.Order{}, err
	}
	confirmed, _ := s.tracker.Order(order.ClientID)
	return confirmed, nil
}

// guardOrder rejects entries that would breach the session's risk limits.
func (s *Session) guardOrder(outcome string, side domain.OrderSide, price, size float64) error {
	venueName := s.adapter.Name()
	const eps = 1e-9

	projected := make(map[string]float64, len(s.market.Outcomes))
	for _, oc := range s.market.Outcomes {
		projected[oc] = s.tracker.Position(venueName, s.market.ID, oc).Size
	}
	delta := size
	if side == domain.OrderSideSell {
		delta = -size
	}
	projected[outcome] += delta

	if s.limits.MaxPosition > 0 && math.Abs(projected[outcome]) > s.limits.MaxPosition+eps {
		return &RiskError{Reason: fmt.Sprintf("position %s %.2f would exceed max %.2f",
			outcome, projected[outcome], s.limits.MaxPosition)}
	}
	if s.limits.MaxDelta > 0 {
		if info := domain.CalculateDelta(projected); info.Delta > s.limits.MaxDelta+eps {
			return &RiskError{Reason: fmt.Sprintf("delta %.2f would exceed max %.2f",
				info.Delta, s.limits.MaxDelta)}
		}
	}
	if side == domain.OrderSideBuy {
		committed := 0.0
		for _, o := range s.tracker.OpenOrders(venueName, s.market.ID) {
			if o.Side == domain.OrderSideBuy {
				committed += o.Price * o.Remaining()
			}
		}
		if price*size > s.cash-committed+eps {
			return &RiskError{Reason: fmt.Sprintf("cost %.2f exceeds free cash %.2f",
				price*size, s.cash-committed)}
		}
	}
	return nil
}

// tickEnv adapts a Session to the Env the strategy sees for one tick.
type tickEnv struct {
	s   *Session
	now time.Time
}

func (e *tickEnv) Market() domain.Market { return e.s.market }
func (e *tickEnv) Limits() RiskLimits    { return e.s.limits }
func (e *tickEnv) Now() time.Time        { return e.now }

func (e *tickEnv) Book(outcome string) (domain.OrderbookSnapshot, bool) {
	book, ok := e.s.books[outcome]
	return book, ok
}

func (e *tickEnv) OpenOrders(outcome string) []domain.Order {
	var out []domain.Order
	for _, o := range e.s.tracker.OpenOrders(e.s.adapter.Name(), e.s.market.ID) {
		if o.Outcome == outcome {
			out = append(out, o)
		}
	}
	return out
}

func (e *tickEnv) Position(outcome string) domain.Position {
	return e.s.tracker.Position(e.s.adapter.Name(), e.s.market.ID, outcome)
}

func (e *tickEnv) PlaceOrder(ctx context.Context, outcome string, side domain.OrderSide, price, size float64) (domain.Order, error) {
	return e.s.placeOrder(ctx, outcome, side, price, size, true)
}

func (e *tickEnv) CancelOrder(ctx context.Context, order domain.Order) error {
	if !e.s.tracker.RequestCancel(order.ClientID) {
		return nil
	}
	if err := e.s.adapter.CancelOrder(ctx, order); err != nil {
		e.s.tracker.FinishCancel(order.ClientID, false)
		return err
	}
	e.s.tracker.FinishCancel(order.ClientID, true)
	return nil
}
