package kalshi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guzus/dr-manhattan/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	a, err := New(Config{
		BaseURL:    baseURL,
		Credential: domain.KeyPairCredential{KeyID: "kid-1", RSAKeyPEM: pemKey},
	}, testLogger())
	require.NoError(t, err)
	return a
}

func TestFetchMarketNormalizesCents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trade-api/v2/markets/RAIN-26", r.URL.Path)
		assert.Equal(t, "kid-1", r.Header.Get("KALSHI-ACCESS-KEY"))
		assert.NotEmpty(t, r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
		assert.NotEmpty(t, r.Header.Get("KALSHI-ACCESS-TIMESTAMP"))
		w.Write([]byte(`{"market": {
			"ticker": "RAIN-26",
			"title": "Will it rain?",
			"status": "open",
			"yes_bid": 44,
			"yes_ask": 48,
			"last_price": 46,
			"volume": 1000,
			"close_time": "2026-12-31T00:00:00Z"
		}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	m, err := a.FetchMarket(context.Background(), "RAIN-26")
	require.NoError(t, err)

	assert.Equal(t, "RAIN-26", m.ID)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes)
	assert.Equal(t, "RAIN-26|yes", m.TokenIDs["Yes"])
	assert.InDelta(t, 0.46, m.Prices["Yes"], 1e-9)
	assert.InDelta(t, 0.54, m.Prices["No"], 1e-9)
	assert.False(t, m.Closed)
}

func TestFetchOrderbookYesView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderbook": {
			"yes": [[44, 100], [45, 50]],
			"no":  [[53, 80], [54, 40]]
		}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	market := domain.Market{
		ID:       "RAIN-26",
		Venue:    VenueName,
		Outcomes: []string{"Yes", "No"},
		TokenIDs: map[string]string{"Yes": "RAIN-26|yes", "No": "RAIN-26|no"},
	}

	snap, err := a.FetchOrderbook(context.Background(), market, "Yes")
	require.NoError(t, err)

	// Best YES bid is the highest yes level; best YES ask is implied by the
	// highest no bid at 1 - 0.54 = 0.46.
	bid, ok := snap.BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.45, bid, 1e-9)
	ask, ok := snap.BestAsk()
	require.True(t, ok)
	assert.InDelta(t, 0.46, ask, 1e-9)
	assert.Equal(t, "Yes", snap.Outcome)
}

func TestCreateOrderConvertsToCents(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/trade-api/v2/portfolio/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"order": {
			"order_id": "ord-1",
			"ticker": "RAIN-26",
			"status": "resting",
			"action": "buy",
			"side": "yes",
			"yes_price": 45,
			"initial_count": 10,
			"remaining_count": 10
		}}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	order, err := domain.NewOrder(VenueName, "RAIN-26", "Yes", "RAIN-26|yes", domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, err)

	placed, err := a.CreateOrder(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, "ord-1", placed.ID)
	assert.Equal(t, domain.OrderStatusOpen, placed.Status)
	assert.Equal(t, order.ClientID, placed.ClientID)
	assert.InDelta(t, 0.45, placed.Price, 1e-9)

	assert.Equal(t, "buy", got["action"])
	assert.Equal(t, "yes", got["side"])
	assert.Equal(t, float64(45), got["yes_price"])
	assert.Equal(t, float64(10), got["count"])
	assert.Equal(t, order.ClientID, got["client_order_id"])
}

func TestCreateOrderRejectsBadPrice(t *testing.T) {
	a := testAdapter(t, "http://unused")
	order := domain.Order{
		Venue:    VenueName,
		MarketID: "RAIN-26",
		Outcome:  "Yes",
		Side:     domain.OrderSideBuy,
		Price:    0.001,
		Size:     10,
	}
	_, err := a.CreateOrder(context.Background(), order)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestFetchPositionsDerivesAvgPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"market_positions": [
			{"ticker": "RAIN-26", "position": 10, "market_exposure": 450},
			{"ticker": "FLAT-26", "position": 0, "market_exposure": 0}
		]}`))
	}))
	defer srv.Close()

	a := testAdapter(t, srv.URL)
	positions, err := a.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "RAIN-26", positions[0].MarketID)
	assert.InDelta(t, 10, positions[0].Size, 1e-9)
	assert.InDelta(t, 0.45, positions[0].AvgPrice, 1e-9)
}

func TestStreamSnapshotAndDelta(t *testing.T) {
	s := &marketStream{
		books:    make(map[string]*centsBook),
		outcomes: map[string]map[string]bool{"RAIN-26": {"Yes": true}},
	}
	var snaps []domain.OrderbookSnapshot
	s.handlers.OnOrderbook = func(snap domain.OrderbookSnapshot) { snaps = append(snaps, snap) }

	s.handleFrame([]byte(`{"type":"orderbook_snapshot","msg":{"market_ticker":"RAIN-26","yes":[[45,100]],"no":[[53,80]]}}`))
	require.Len(t, snaps, 1)
	bid, ok := snaps[0].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.45, bid, 1e-9)
	ask, ok := snaps[0].BestAsk()
	require.True(t, ok)
	assert.InDelta(t, 0.47, ask, 1e-9)

	// Delta lifts the yes bid to 46.
	s.handleFrame([]byte(`{"type":"orderbook_delta","msg":{"market_ticker":"RAIN-26","price":46,"delta":20,"side":"yes"}}`))
	require.Len(t, snaps, 2)
	bid, ok = snaps[1].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.46, bid, 1e-9)

	// Delta removing the whole 46 level restores 45.
	s.handleFrame([]byte(`{"type":"orderbook_delta","msg":{"market_ticker":"RAIN-26","price":46,"delta":-20,"side":"yes"}}`))
	require.Len(t, snaps, 3)
	bid, ok = snaps[2].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.45, bid, 1e-9)
}

func TestTokenIDRoundTrip(t *testing.T) {
	tok := TokenID("RAIN-26", "Yes")
	ticker, side, ok := SplitTokenID(tok)
	require.True(t, ok)
	assert.Equal(t, "RAIN-26", ticker)
	assert.Equal(t, "yes", side)
}
