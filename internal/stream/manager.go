// Package stream maintains venue WebSocket connections. Subscriptions are
// declarative: the manager remembers every subscribe payload and replays
// the full set after each reconnect, so callers never have to track
// connection state themselves.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// State is the connection lifecycle of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Config tunes one Manager.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// HeaderFunc, when set, supplies handshake headers for each dial.
	// Venues with signed upgrades need a fresh timestamp per attempt.
	HeaderFunc func() (http.Header, error)

	// MaxAttempts caps consecutive failed reconnect attempts before the
	// manager gives up and goes DISCONNECTED. Zero means retry forever.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
}

// Manager runs one WebSocket connection with automatic reconnect and
// subscription replay.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	onMessage func([]byte)

	mu      sync.Mutex
	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *websocket.Conn
	state   State
	subs    map[string]json.RawMessage
	onState func(State)
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager builds a Manager. onMessage is invoked from the read loop for
// every text/binary frame; it must not block for long.
func NewManager(cfg Config, logger *slog.Logger, onMessage func([]byte)) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "stream"), slog.String("url", cfg.URL)),
		onMessage: onMessage,
		state:     StateDisconnected,
		subs:      make(map[string]json.RawMessage),
	}
}

// OnStateChange registers a callback for connection state transitions.
// Must be called before Start.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe records the payload under key and sends it if connected.
// Re-subscribing an existing key is a no-op. The payload is replayed after
// every reconnect.
func (m *Manager) Subscribe(key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode subscription %s: %w", key, err)
	}

	m.mu.Lock()
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		return nil
	}
	m.subs[key] = raw
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		return m.write(conn, raw)
	}
	return nil
}

// Unsubscribe forgets the subscription and, when connected and a payload
// is given, tells the venue.
func (m *Manager) Unsubscribe(key string, payload any) error {
	m.mu.Lock()
	_, exists := m.subs[key]
	delete(m.subs, key)
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !exists || !connected || payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode unsubscribe %s: %w", key, err)
	}
	return m.write(conn, raw)
}

// Send writes an arbitrary frame on the current connection.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return fmt.Errorf("stream: not connected: %w", domain.ErrNetwork)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode frame: %w", err)
	}
	return m.write(conn, raw)
}

// Start dials the venue and runs the connection until ctx is cancelled or
// Close is called. The first dial is synchronous so callers learn
// immediately whether the endpoint is reachable; later drops reconnect in
// the background.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("stream: manager closed")
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setState(StateConnecting)
	conn, err := m.dial(runCtx)
	if err != nil {
		m.setState(StateDisconnected)
		cancel()
		close(m.done)
		return err
	}
	m.adopt(conn)

	go m.run(runCtx, conn)
	return nil
}

// Close tears the connection down permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (m *Manager) run(ctx context.Context, conn *websocket.Conn) {
	defer close(m.done)

	for {
		m.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateReconnecting)
		next, err := m.reconnect(ctx)
		if err != nil {
			m.logger.Error("reconnect failed, giving up", slog.Any("error", err))
			m.setState(StateDisconnected)
			return
		}
		conn = next
		m.adopt(conn)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go m.pingLoop(ctx, conn, pingDone)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("connection dropped", slog.Any("error", err))
			}
			return
		}
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// reconnect dials with capped exponential backoff until success, the
// context ends, or MaxAttempts consecutive failures.
func (m *Manager) reconnect(ctx context.Context) (*websocket.Conn, error) {
	bo := &backoff.Backoff{
		Min:    m.cfg.ReconnectMin,
		Max:    m.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		conn, err := m.dial(ctx)
		if err == nil {
			m.logger.Info("reconnected", slog.Int("attempt", attempt))
			return conn, nil
		}
		m.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt), slog.Any("error", err))

		if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
			return nil, fmt.Errorf("stream: %d reconnect attempts exhausted: %w", attempt, domain.ErrNetwork)
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	var header http.Header
	if m.cfg.HeaderFunc != nil {
		var err error
		if header, err = m.cfg.HeaderFunc(); err != nil {
			return nil, fmt.Errorf("stream: handshake headers: %w", err)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w: %v", m.cfg.URL, domain.ErrNetwork, err)
	}
	return conn, nil
}

// adopt installs a fresh connection and replays every subscription.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	subs := make([]json.RawMessage, 0, len(m.subs))
	for _, raw := range m.subs {
		subs = append(subs, raw)
	}
	m.mu.Unlock()

	m.setState(StateConnected)
	for _, raw := range subs {
		if err := m.write(conn, raw); err != nil {
			m.logger.Warn("subscription replay failed", slog.Any("error", err))
			return
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, raw []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("stream: write: %w: %v", domain.ErrNetwork, err)
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onState
	m.mu.Unlock()

	m.logger.Debug("state change", slog.String("state", s.String()))
	if fn != nil {
		fn(s)
	}
}
