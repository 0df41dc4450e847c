package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guzus/dr-manhattan/internal/domain"
)

const testPrivKey = "0000000000000000000000000000000000000000000000000000000000000001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(t *testing.T, clobURL, gammaURL string) *Adapter {
	t.Helper()
	a, err := New(Config{
		ClobURL:  clobURL,
		GammaURL: gammaURL,
		OrderCredential: domain.KeyPairCredential{
			PrivateKeyHex: testPrivKey,
			ChainID:       137,
		},
		APICredential: &domain.APIKeyCredential{
			Key:        "key",
			Secret:     "dGVzdC1zZWNyZXQtYnl0ZXMtMDEyMzQ1Njc4OWFiY2Q=",
			Passphrase: "pass",
		},
	}, testLogger())
	require.NoError(t, err)
	return a
}

func TestFetchMarketNormalizesGammaPayload(t *testing.T) {
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "0xcond", r.URL.Query().Get("condition_ids"))
		w.Write([]byte(`[{
			"id": "512",
			"conditionId": "0xcond",
			"question": "Will it rain tomorrow?",
			"slug": "will-it-rain",
			"active": "true",
			"closed": false,
			"outcomes": "[\"Yes\",\"No\"]",
			"outcomePrices": "[\"0.62\",\"0.38\"]",
			"clobTokenIds": "[\"111\",\"222\"]",
			"volume": "12345.5",
			"liquidity": "678.9",
			"orderPriceMinTickSize": "0.01",
			"endDateIso": "2026-12-31T00:00:00Z"
		}]`))
	}))
	defer gamma.Close()

	a := testAdapter(t, "http://unused", gamma.URL)
	m, err := a.FetchMarket(context.Background(), "0xcond")
	require.NoError(t, err)

	assert.Equal(t, "0xcond", m.ID)
	assert.Equal(t, VenueName, m.Venue)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes)
	assert.Equal(t, "111", m.TokenIDs["Yes"])
	assert.Equal(t, "222", m.TokenIDs["No"])
	assert.InDelta(t, 0.62, m.Prices["Yes"], 1e-9)
	assert.InDelta(t, 12345.5, m.Volume, 1e-9)
	assert.False(t, m.Closed)
	require.NotNil(t, m.CloseTime)
}

func TestFetchMarketNotFound(t *testing.T) {
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer gamma.Close()

	a := testAdapter(t, "http://unused", gamma.URL)
	_, err := a.FetchMarket(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

func TestCreateOrderSignsAndPosts(t *testing.T) {
	var got map[string]any
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		// HMAC auth headers must be present.
		assert.NotEmpty(t, r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success": true, "orderID": "0xorder", "status": "live"}`))
	}))
	defer clob.Close()

	a := testAdapter(t, clob.URL, "http://unused")
	order, err := domain.NewOrder(VenueName, "0xcond", "Yes", "111", domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, err)

	placed, err := a.CreateOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "0xorder", placed.ID)
	assert.Equal(t, domain.OrderStatusOpen, placed.Status)
	assert.Equal(t, order.ClientID, placed.ClientID)

	inner, ok := got["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "111", inner["tokenID"])
	assert.Equal(t, "4500000", inner["makerAmount"])
	assert.Equal(t, "10000000", inner["takerAmount"])
	assert.Equal(t, "BUY", inner["side"])
	assert.NotEmpty(t, inner["signature"])
	assert.Equal(t, "GTC", got["orderType"])
}

func TestCreateOrderRejected(t *testing.T) {
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "errorMsg": "not enough balance"}`))
	}))
	defer clob.Close()

	a := testAdapter(t, clob.URL, "http://unused")
	order, err := domain.NewOrder(VenueName, "0xcond", "Yes", "111", domain.OrderSideBuy, 0.45, 10)
	require.NoError(t, err)

	_, err = a.CreateOrder(context.Background(), order)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestCancelOrder(t *testing.T) {
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "0xorder", body["orderID"])
		w.Write([]byte(`{"success": true}`))
	}))
	defer clob.Close()

	a := testAdapter(t, clob.URL, "http://unused")
	err := a.CancelOrder(context.Background(), domain.Order{ID: "0xorder", Venue: VenueName})
	assert.NoError(t, err)
}

func TestFetchBalanceScalesBaseUnits(t *testing.T) {
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/balance-allowance", r.URL.Path)
		w.Write([]byte(`{"balance": "2500000"}`))
	}))
	defer clob.Close()

	a := testAdapter(t, clob.URL, "http://unused")
	bal, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, bal, 1e-9)
}

func TestDeriveAPIKeyOnFirstUse(t *testing.T) {
	derives := 0
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/derive-api-key":
			derives++
			assert.NotEmpty(t, r.Header.Get("POLY_ADDRESS"))
			assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
			w.Write([]byte(`{
				"apiKey": "derived-key",
				"secret": "dGVzdC1zZWNyZXQtYnl0ZXMtMDEyMzQ1Njc4OWFiY2Q=",
				"passphrase": "derived-pass"
			}`))
		case "/balance-allowance":
			assert.Equal(t, "derived-key", r.Header.Get("POLY_API_KEY"))
			assert.Equal(t, "derived-pass", r.Header.Get("POLY_PASSPHRASE"))
			w.Write([]byte(`{"balance": "1000000"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer clob.Close()

	a, err := New(Config{
		ClobURL: clob.URL,
		OrderCredential: domain.KeyPairCredential{
			PrivateKeyHex: testPrivKey,
			ChainID:       137,
		},
	}, testLogger())
	require.NoError(t, err)

	bal, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bal, 1e-9)

	// The derived credential is cached; a second call signs without a
	// second auth round trip.
	_, err = a.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, derives)
}

func TestFetchPositionsUnsupported(t *testing.T) {
	a := testAdapter(t, "http://unused", "http://unused")
	_, err := a.FetchPositions(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotSupported)
}

func TestStreamBookAndDeltaHandling(t *testing.T) {
	s := &marketStream{books: make(map[string]*localBook)}
	var snaps []domain.OrderbookSnapshot
	s.handlers.OnOrderbook = func(snap domain.OrderbookSnapshot) {
		snaps = append(snaps, snap)
	}

	// Delta before snapshot is dropped.
	s.handleFrame([]byte(`{"event_type":"price_change","asset_id":"111","market":"0xcond","side":"BUY","price":"0.40","size":"7","timestamp":"1700000000000"}`))
	assert.Empty(t, snaps)

	s.handleFrame([]byte(`{"event_type":"book","asset_id":"111","market":"0xcond","bids":[{"price":"0.45","size":"10"}],"asks":[{"price":"0.55","size":"8"}],"timestamp":"1700000000000"}`))
	require.Len(t, snaps, 1)
	bid, ok := snaps[0].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.45, bid, 1e-9)

	// Delta adds a better bid.
	s.handleFrame([]byte(`{"event_type":"price_change","asset_id":"111","market":"0xcond","side":"BUY","price":"0.46","size":"3","timestamp":"1700000000001"}`))
	require.Len(t, snaps, 2)
	bid, ok = snaps[1].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.46, bid, 1e-9)

	// Size zero removes the level.
	s.handleFrame([]byte(`{"event_type":"price_change","asset_id":"111","market":"0xcond","side":"BUY","price":"0.46","size":"0","timestamp":"1700000000002"}`))
	require.Len(t, snaps, 3)
	bid, ok = snaps[2].BestBid()
	require.True(t, ok)
	assert.InDelta(t, 0.45, bid, 1e-9)
}

func TestStreamArrayFrames(t *testing.T) {
	s := &marketStream{books: make(map[string]*localBook)}
	var trades []domain.LastTrade
	s.handlers.OnTrade = func(lt domain.LastTrade) { trades = append(trades, lt) }

	s.handleFrame([]byte(`[{"event_type":"last_trade_price","asset_id":"111","price":"0.52","size":"4","timestamp":"1700000000000"}]`))
	require.Len(t, trades, 1)
	assert.InDelta(t, 0.52, trades[0].Price, 1e-9)
	assert.Equal(t, "111", trades[0].TokenID)
}
