package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/tracker"
	"github.com/guzus/dr-manhattan/internal/venue"
)

const (
	defaultCapacity = 16
	statusCacheTTL  = time.Second
)

// CreateSessionRequest describes one session to launch. Strategy is bbo
// or spike; Spike is only read for spike sessions.
type CreateSessionRequest struct {
	Venue        string
	MarketID     string
	Strategy     string
	Limits       RiskLimits
	TickInterval time.Duration
	Liquidate    bool
	BBO          BBOConfig
	Spike        SpikeConfig
}

// Manager owns all strategy sessions in the process: a capacity-bounded
// registry keyed by session id. Venue adapters and the order tracker are
// injected so tests run against isolated registries.
type Manager struct {
	venues   *venue.Registry
	tracker  *tracker.Tracker
	sink     SummarySink
	logger   *slog.Logger
	capacity int

	onPause  func(sessionID, reason string)

	mu       sync.Mutex
	sessions map[string]*Session
	statuses map[string]cachedStatus
}

type cachedStatus struct {
	status SessionStatus
	at     time.Time
}

// ManagerOption tweaks a Manager at construction.
type ManagerOption func(*Manager)

// WithCapacity bounds concurrent sessions.
func WithCapacity(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithSummarySink replaces the default slog sink.
func WithSummarySink(sink SummarySink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithPauseHook observes sessions auto-pausing on tick errors, e.g. to
// alert the operator.
func WithPauseHook(hook func(sessionID, reason string)) ManagerOption {
	return func(m *Manager) { m.onPause = hook }
}

func NewManager(venues *venue.Registry, tr *tracker.Tracker, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		venues:   venues,
		tracker:  tr,
		logger:   logger.With(slog.String("component", "session_manager")),
		capacity: defaultCapacity,
		sessions: make(map[string]*Session),
		statuses: make(map[string]cachedStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = NewSlogSink(logger)
	}
	return m
}

// CreateSession fetches the market, builds the strategy and starts a
// session. It returns the new session's id.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	adapter, err := m.venues.Get(req.Venue)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	active := 0
	for _, s := range m.sessions {
		if s.Status().State != SessionStopped {
			active++
		}
	}
	m.mu.Unlock()
	if active >= m.capacity {
		return "", fmt.Errorf("engine: session capacity %d reached", m.capacity)
	}

	market, err := adapter.FetchMarket(ctx, req.MarketID)
	if err != nil {
		return "", fmt.Errorf("engine: fetch market %s: %w", req.MarketID, err)
	}

	strategy, err := m.newStrategy(req)
	if err != nil {
		return "", err
	}

	session, err := NewSession(SessionConfig{
		Adapter:      adapter,
		Tracker:      m.tracker,
		Market:       market,
		Strategy:     strategy,
		Limits:       req.Limits,
		TickInterval: req.TickInterval,
		Liquidate:    req.Liquidate,
		Sink:         m.sink,
		OnPause:      m.pauseAlert,
		Logger:       m.logger,
	})
	if err != nil {
		return "", err
	}
	if err := session.Start(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()
	m.logger.Info("session created",
		slog.String("session_id", session.ID()),
		slog.String("venue", req.Venue),
		slog.String("market", req.MarketID),
		slog.String("strategy", req.Strategy))
	return session.ID(), nil
}

func (m *Manager) newStrategy(req CreateSessionRequest) (Strategy, error) {
	switch req.Strategy {
	case "bbo":
		return NewBBOMaker(req.BBO, m.logger), nil
	case "spike":
		return NewSpikeReverter(req.Spike, m.logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrNotSupported, req.Strategy)
	}
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("engine: no session %s", id)
	}
	return s, nil
}

// Status returns the session's operator snapshot, cached briefly so status
// pollers do not contend with the tick loop.
func (m *Manager) Status(id string) (SessionStatus, error) {
	m.mu.Lock()
	if cached, ok := m.statuses[id]; ok && time.Since(cached.at) < statusCacheTTL {
		m.mu.Unlock()
		return cached.status, nil
	}
	m.mu.Unlock()

	s, err := m.get(id)
	if err != nil {
		return SessionStatus{}, err
	}
	status := s.Status()
	m.mu.Lock()
	m.statuses[id] = cachedStatus{status: status, at: time.Now()}
	m.mu.Unlock()
	return status, nil
}

// List returns all session ids, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Pause(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.invalidate(id)
	return s.Pause()
}

func (m *Manager) Resume(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	m.invalidate(id)
	return s.Resume()
}

// Stop stops one session and removes it from the registry once cleanup
// finishes.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	err = s.Stop(ctx)
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.statuses, id)
	m.mu.Unlock()
	return err
}

// StopAll stops every session concurrently, used at process shutdown.
// Sessions on slow venues must not serialize behind each other while the
// shutdown deadline runs down.
func (m *Manager) StopAll(ctx context.Context) {
	var g errgroup.Group
	for _, id := range m.List() {
		id := id
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil {
				m.logger.Warn("session stop failed",
					slog.String("session_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	g.Wait()
}

// pauseAlert drops the stale cached status and forwards to the configured
// hook.
func (m *Manager) pauseAlert(sessionID, reason string) {
	m.invalidate(sessionID)
	if m.onPause != nil {
		m.onPause(sessionID, reason)
	}
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	delete(m.statuses, id)
	m.mu.Unlock()
}
