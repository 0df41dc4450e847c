package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsServer records every frame each connection receives and lets the test
// script the server side.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]string
}

func newWSServer(t *testing.T, onConn func(idx int, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		idx := len(s.conns)
		s.conns = append(s.conns, conn)
		s.received = append(s.received, nil)
		s.mu.Unlock()

		if onConn != nil {
			onConn(idx, conn)
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received[idx] = append(s.received[idx], string(msg))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) frames(idx int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.received) {
		return nil
	}
	return append([]string(nil), s.received[idx]...)
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) closeConn(idx int) {
	s.mu.Lock()
	conn := s.conns[idx]
	s.mu.Unlock()
	conn.Close()
}

func (s *wsServer) closeAllConns() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func TestManagerDeliversMessages(t *testing.T) {
	srv := newWSServer(t, func(idx int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"book"}`))
	})

	got := make(chan string, 1)
	m := NewManager(Config{URL: srv.url()}, testLogger(), func(b []byte) {
		got <- string(b)
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	select {
	case msg := <-got:
		assert.Equal(t, `{"event":"book"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	assert.Equal(t, StateConnected, m.State())
}

func TestManagerSendsQueuedSubscriptionsOnConnect(t *testing.T) {
	srv := newWSServer(t, nil)

	m := NewManager(Config{URL: srv.url()}, testLogger(), nil)
	require.NoError(t, m.Subscribe("book:tok1", map[string]any{"type": "subscribe", "token": "tok1"}))
	// Idempotent: same key again must not produce a second frame.
	require.NoError(t, m.Subscribe("book:tok1", map[string]any{"type": "subscribe", "token": "tok1"}))

	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool {
		return len(srv.frames(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.frames(0)[0], `"token":"tok1"`)
}

func TestManagerReplaysSubscriptionsAfterReconnect(t *testing.T) {
	srv := newWSServer(t, nil)

	states := make(chan State, 16)
	m := NewManager(Config{
		URL:          srv.url(),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, testLogger(), nil)
	m.OnStateChange(func(s State) { states <- s })

	require.NoError(t, m.Subscribe("book:tok1", map[string]any{"type": "subscribe", "token": "tok1"}))
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool {
		return len(srv.frames(0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the first connection and wait for the replay on the second.
	srv.closeConn(0)

	require.Eventually(t, func() bool {
		return srv.connCount() == 2 && len(srv.frames(1)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.frames(1)[0], `"token":"tok1"`)

	seen := drainStates(states)
	assert.Contains(t, seen, StateReconnecting)
	assert.Equal(t, StateConnected, m.State())
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	srv := newWSServer(t, nil)

	states := make(chan State, 16)
	m := NewManager(Config{
		URL:          srv.url(),
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
		MaxAttempts:  2,
	}, testLogger(), nil)
	m.OnStateChange(func(s State) { states <- s })

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return srv.connCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Take the endpoint away, then drop the live connection explicitly:
	// CloseClientConnections does not reach hijacked websocket conns, so
	// the read loop would otherwise sit on it until the pong deadline.
	srv.Server.Close()
	srv.closeAllConns()

	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	seen := drainStates(states)
	assert.Contains(t, seen, StateReconnecting)
	m.Close()
}

func TestManagerStartFailsWhenUnreachable(t *testing.T) {
	m := NewManager(Config{
		URL:         "ws://127.0.0.1:1/ws",
		DialTimeout: 200 * time.Millisecond,
	}, testLogger(), nil)
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerSendRequiresConnection(t *testing.T) {
	m := NewManager(Config{URL: "ws://127.0.0.1:1/ws"}, testLogger(), nil)
	assert.Error(t, m.Send(map[string]string{"type": "ping"}))
}

func drainStates(ch chan State) []State {
	var out []State
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}
