// Package polymarket implements the venue adapter for the Polymarket CLOB.
// Market metadata comes from the Gamma API, trading goes through the CLOB
// API with EIP-712 signed orders and HMAC request auth, and market data
// streams over the CLOB WebSocket.
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/guzus/dr-manhattan/internal/crypto"
	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/transport"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// VenueName identifies this adapter in the registry.
const VenueName = "polymarket"

const (
	exchangeDomainName = "Polymarket CTF Exchange"
	exchangeVersion    = "1"
	exchangeContract   = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	authDomainName     = "ClobAuthDomain"
	authVersion        = "1"
	authMessage        = "This message attests that I control the given wallet"
)

// Config holds the adapter endpoints and credentials.
type Config struct {
	ClobURL  string
	GammaURL string
	WSURL    string

	// OrderCredential signs orders (key-pair or multi-sig).
	OrderCredential domain.VenueCredential
	// APICredential signs requests (key/secret/passphrase). When absent
	// the adapter derives one from the order credential at first use.
	APICredential *domain.APIKeyCredential

	Transport transport.Config
}

// Adapter is the Polymarket implementation of venue.Adapter.
type Adapter struct {
	clob   *transport.Client
	gamma  *transport.Client
	wsURL  string
	signer *crypto.OrderSigner
	logger *slog.Logger

	// authMu serializes lazy L2 credential derivation; authed is true once
	// the CLOB client carries an HMAC signer.
	authMu sync.Mutex
	authed bool
}

// New builds the adapter. The API credential, when configured, is wired
// into the CLOB client for HMAC request auth.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	signer, err := crypto.NewOrderSigner(cfg.OrderCredential)
	if err != nil {
		return nil, fmt.Errorf("polymarket: %w", err)
	}

	logger = logger.With(slog.String("venue", VenueName))

	clobCfg := cfg.Transport
	clobCfg.BaseURL = cfg.ClobURL
	var clobOpts []transport.Option
	authed := false
	if cfg.APICredential != nil {
		hmacSigner, err := crypto.NewHMACSigner(*cfg.APICredential)
		if err != nil {
			return nil, fmt.Errorf("polymarket: %w", err)
		}
		clobOpts = append(clobOpts, transport.WithSigner(hmacSigner))
		authed = true
	}

	gammaCfg := cfg.Transport
	gammaCfg.BaseURL = cfg.GammaURL

	return &Adapter{
		clob:   transport.NewClient(clobCfg, logger, clobOpts...),
		gamma:  transport.NewClient(gammaCfg, logger),
		wsURL:  cfg.WSURL,
		signer: signer,
		logger: logger,
		authed: authed,
	}, nil
}

func (a *Adapter) Name() string { return VenueName }

func (a *Adapter) Capabilities() venue.Capability {
	return venue.CapMarkets | venue.CapOrderbook | venue.CapCreateOrder |
		venue.CapCancelOrder | venue.CapBalance | venue.CapStreams
}

func (a *Adapter) FetchMarkets(ctx context.Context, q venue.MarketQuery) ([]domain.Market, error) {
	query := url.Values{}
	if q.Active {
		query.Set("active", "true")
		query.Set("closed", "false")
	}
	if q.Slug != "" {
		query.Set("slug", q.Slug)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query.Set("limit", strconv.Itoa(limit))

	var raw []gammaMarket
	err := a.gamma.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/markets",
		Query:      query,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch markets: %w", err)
	}

	now := time.Now()
	markets := make([]domain.Market, 0, len(raw))
	for i := range raw {
		markets = append(markets, raw[i].toDomain(now))
	}
	return markets, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	query := url.Values{}
	query.Set("condition_ids", marketID)

	var raw []gammaMarket
	err := a.gamma.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/markets",
		Query:      query,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket: fetch market %s: %w", marketID, err)
	}
	if len(raw) == 0 {
		return domain.Market{}, fmt.Errorf("polymarket: %w: %s", domain.ErrMarketNotFound, marketID)
	}
	return raw[0].toDomain(time.Now()), nil
}

func (a *Adapter) FetchOrderbook(ctx context.Context, market domain.Market, outcome string) (domain.OrderbookSnapshot, error) {
	tokenID, ok := market.TokenID(outcome)
	if !ok {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket: %w: no token for outcome %q", domain.ErrInvalidOrder, outcome)
	}

	query := url.Values{}
	query.Set("token_id", tokenID)

	var raw wsBook
	err := a.clob.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/book",
		Query:      query,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket: fetch orderbook: %w", mapNotFound(err, domain.ErrMarketNotFound))
	}

	snap := raw.toSnapshot()
	snap.MarketID = market.ID
	snap.TokenID = tokenID
	snap.Outcome = outcome
	return snap, nil
}

// CreateOrder signs and submits order. The venue-assigned id replaces the
// local pending id on acceptance.
func (a *Adapter) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return order, err
	}
	payload, err := a.signer.BuildOrderPayload(order)
	if err != nil {
		return order, err
	}
	sig, err := a.signer.SignOrder(payload, exchangeDomainName, exchangeVersion, exchangeContract)
	if err != nil {
		return order, err
	}

	side := "BUY"
	if order.Side == domain.OrderSideSell {
		side = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          side,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     payload.Maker,
		"orderType": "GTC",
	}

	var result orderResult
	err = a.clob.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/order",
		Body:   body,
		Signed: true,
		Out:    &result,
	})
	if err != nil {
		return order, fmt.Errorf("polymarket: create order: %w", err)
	}
	if !result.Success {
		order.Status = domain.OrderStatusRejected
		return order, fmt.Errorf("polymarket: %w: %s", domain.ErrInvalidOrder, result.ErrorMsg)
	}

	order.ID = result.OrderID
	order.Status = domain.OrderStatusOpen
	order.UpdatedAt = time.Now()
	return order, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, order domain.Order) error {
	if err := a.ensureAuth(ctx); err != nil {
		return err
	}
	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	err := a.clob.Do(ctx, transport.Request{
		Method:     http.MethodDelete,
		Path:       "/order",
		Body:       map[string]string{"orderID": order.ID},
		Signed:     true,
		Idempotent: true, // cancelling twice is harmless
		Out:        &result,
	})
	if err != nil {
		return fmt.Errorf("polymarket: cancel order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	if !result.Success {
		return fmt.Errorf("polymarket: cancel order %s failed: %s", order.ID, result.ErrorMsg)
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return domain.Order{}, err
	}
	var raw clobOrder
	err := a.clob.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/data/order/" + url.PathEscape(order.ID),
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket: fetch order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	out := raw.toDomain()
	out.ClientID = order.ClientID
	return out, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return nil, err
	}
	query := url.Values{}
	if marketID != "" {
		query.Set("market", marketID)
	}

	var raw []clobOrder
	err := a.clob.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/data/orders",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket: fetch open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, raw[i].toDomain())
	}
	return orders, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (float64, error) {
	if err := a.ensureAuth(ctx); err != nil {
		return 0, err
	}
	query := url.Values{}
	query.Set("asset_type", "COLLATERAL")

	var raw struct {
		Balance string `json:"balance"`
	}
	err := a.clob.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/balance-allowance",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return 0, fmt.Errorf("polymarket: fetch balance: %w", err)
	}

	// Balance arrives in 1e6 base units.
	units, err := strconv.ParseFloat(raw.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket: parse balance %q: %w", raw.Balance, err)
	}
	return units / 1e6, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, venue.Unsupported(VenueName, "fetch_positions")
}

// ensureAuth makes sure the CLOB client can sign requests, deriving the L2
// credential from the order key on first use when none was configured.
func (a *Adapter) ensureAuth(ctx context.Context) error {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	if a.authed {
		return nil
	}
	cred, err := a.DeriveAPIKey(ctx)
	if err != nil {
		return err
	}
	hmacSigner, err := crypto.NewHMACSigner(cred)
	if err != nil {
		return fmt.Errorf("polymarket: %w", err)
	}
	a.clob.SetSigner(hmacSigner)
	a.authed = true
	a.logger.Info("derived L2 api credential",
		slog.String("address", a.signer.Address().Hex()))
	return nil
}

// DeriveAPIKey runs the L1 auth flow: sign a ClobAuth message and exchange
// it for an HMAC key/secret/passphrase triple.
func (a *Adapter) DeriveAPIKey(ctx context.Context) (domain.APIKeyCredential, error) {
	ts := time.Now().Unix()
	sig, err := a.signer.SignAuth(ts, 0, authDomainName, authVersion, authMessage)
	if err != nil {
		return domain.APIKeyCredential{}, fmt.Errorf("polymarket: sign auth message: %w", err)
	}

	var raw struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	err = a.clob.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/auth/derive-api-key",
		Idempotent: true,
		Headers: map[string]string{
			"POLY_ADDRESS":   a.signer.Address().Hex(),
			"POLY_SIGNATURE": sig,
			"POLY_TIMESTAMP": strconv.FormatInt(ts, 10),
			"POLY_NONCE":     "0",
		},
		Out: &raw,
	})
	if err != nil {
		return domain.APIKeyCredential{}, fmt.Errorf("polymarket: derive api key: %w", err)
	}
	return domain.APIKeyCredential{
		Key:        raw.APIKey,
		Secret:     raw.Secret,
		Passphrase: raw.Passphrase,
	}, nil
}

// mapNotFound refines the transport's generic 404 into the operation's
// specific sentinel.
func mapNotFound(err, sentinel error) error {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}
