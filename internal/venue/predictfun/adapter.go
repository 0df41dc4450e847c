// Package predictfun implements the venue adapter for predict.fun. Orders
// are EIP-712 signed against the predict.fun CTF exchange; requests carry
// an x-api-key header. The venue exposes no public market-data stream, so
// streaming capability is absent and OpenStream fails fast.
package predictfun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guzus/dr-manhattan/internal/crypto"
	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/transport"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// VenueName identifies this adapter in the registry.
const VenueName = "predictfun"

const (
	exchangeDomainName = "predict.fun CTF Exchange"
	exchangeVersion    = "1"
)

// Config holds the adapter endpoints and credentials.
type Config struct {
	BaseURL string

	// OrderCredential signs orders (multi-sig against the vault contract
	// or a plain key pair).
	OrderCredential domain.VenueCredential
	// APIKey goes on every request as x-api-key.
	APIKey string
	// ExchangeContract is the verifying contract for order signatures.
	ExchangeContract string

	Transport transport.Config
}

// Adapter is the predict.fun implementation of venue.Adapter.
type Adapter struct {
	client   *transport.Client
	signer   *crypto.OrderSigner
	apiKey   string
	contract string
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	signer, err := crypto.NewOrderSigner(cfg.OrderCredential)
	if err != nil {
		return nil, fmt.Errorf("predictfun: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, &domain.MissingCredentialError{Field: "api_key"}
	}

	logger = logger.With(slog.String("venue", VenueName))
	tcfg := cfg.Transport
	tcfg.BaseURL = cfg.BaseURL

	return &Adapter{
		client:   transport.NewClient(tcfg, logger),
		signer:   signer,
		apiKey:   cfg.APIKey,
		contract: cfg.ExchangeContract,
		logger:   logger,
	}, nil
}

func (a *Adapter) Name() string { return VenueName }

func (a *Adapter) Capabilities() venue.Capability {
	return venue.CapMarkets | venue.CapOrderbook | venue.CapCreateOrder |
		venue.CapCancelOrder | venue.CapBalance | venue.CapPositions
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"x-api-key": a.apiKey}
}

// pfMarket is a market as the v1 API returns it.
type pfMarket struct {
	ID       json.Number `json:"id"`
	Question string      `json:"question"`
	Title    string      `json:"title"`
	Slug     string      `json:"slug"`
	Status   string      `json:"status"` // LIVE, RESOLVED, PAUSED
	Outcomes []struct {
		Name      string `json:"name"`
		OnChainID string `json:"onChainId"`
	} `json:"outcomes"`
	DecimalPrecision int `json:"decimalPrecision"`
}

func (m *pfMarket) toDomain(now time.Time) domain.Market {
	dm := domain.Market{
		ID:        m.ID.String(),
		Venue:     VenueName,
		Question:  m.Question,
		Slug:      m.Slug,
		Closed:    m.Status == "RESOLVED" || m.Status == "PAUSED",
		TokenIDs:  map[string]string{},
		Prices:    map[string]float64{},
		FetchedAt: now,
	}
	if dm.Question == "" {
		dm.Question = m.Title
	}
	for _, o := range m.Outcomes {
		dm.Outcomes = append(dm.Outcomes, o.Name)
		if o.OnChainID != "" {
			dm.TokenIDs[o.Name] = o.OnChainID
		}
	}
	if len(dm.Outcomes) == 0 {
		dm.Outcomes = []string{"Yes", "No"}
	}
	precision := m.DecimalPrecision
	if precision <= 0 {
		precision = 2
	}
	dm.TickSize = math.Pow(10, -float64(precision))
	return dm
}

func (a *Adapter) FetchMarkets(ctx context.Context, q venue.MarketQuery) ([]domain.Market, error) {
	query := url.Values{}
	if q.Active {
		query.Set("status", "LIVE")
	}
	if q.Limit > 0 {
		query.Set("first", strconv.Itoa(q.Limit))
	}

	var raw struct {
		Data []pfMarket `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/markets",
		Query:      query,
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("predictfun: fetch markets: %w", err)
	}

	now := time.Now()
	markets := make([]domain.Market, 0, len(raw.Data))
	for i := range raw.Data {
		markets = append(markets, raw.Data[i].toDomain(now))
	}
	return markets, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	var raw struct {
		Data pfMarket `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/markets/" + url.PathEscape(marketID),
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("predictfun: fetch market %s: %w", marketID, mapNotFound(err, domain.ErrMarketNotFound))
	}
	return raw.Data.toDomain(time.Now()), nil
}

// FetchOrderbook returns the YES-priced book; NO views are derived by the
// caller as 1-price per venue convention.
func (a *Adapter) FetchOrderbook(ctx context.Context, market domain.Market, outcome string) (domain.OrderbookSnapshot, error) {
	tokenID, ok := market.TokenID(outcome)
	if !ok {
		return domain.OrderbookSnapshot{}, fmt.Errorf("predictfun: %w: no token for outcome %q", domain.ErrInvalidOrder, outcome)
	}

	var raw struct {
		Data struct {
			Bids [][2]float64 `json:"bids"`
			Asks [][2]float64 `json:"asks"`
		} `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/markets/" + url.PathEscape(market.ID) + "/orderbook",
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("predictfun: fetch orderbook %s: %w", market.ID, mapNotFound(err, domain.ErrMarketNotFound))
	}

	snap := domain.OrderbookSnapshot{
		Venue:     VenueName,
		MarketID:  market.ID,
		TokenID:   tokenID,
		Outcome:   outcome,
		Timestamp: time.Now(),
	}
	yesView := !strings.EqualFold(outcome, "No") || len(market.Outcomes) != 2
	for _, l := range raw.Data.Bids {
		if yesView {
			snap.Bids = append(snap.Bids, domain.PriceLevel{Price: l[0], Size: l[1]})
		} else {
			snap.Asks = append(snap.Asks, domain.PriceLevel{Price: 1 - l[0], Size: l[1]})
		}
	}
	for _, l := range raw.Data.Asks {
		if yesView {
			snap.Asks = append(snap.Asks, domain.PriceLevel{Price: l[0], Size: l[1]})
		} else {
			snap.Bids = append(snap.Bids, domain.PriceLevel{Price: 1 - l[0], Size: l[1]})
		}
	}
	sortLevels(snap.Bids, true)
	sortLevels(snap.Asks, false)
	return snap, nil
}

func sortLevels(levels []domain.PriceLevel, desc bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			if (desc && levels[j].Price > levels[j-1].Price) || (!desc && levels[j].Price < levels[j-1].Price) {
				levels[j], levels[j-1] = levels[j-1], levels[j]
			} else {
				break
			}
		}
	}
}

func (a *Adapter) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	payload, err := a.signer.BuildOrderPayload(order)
	if err != nil {
		return order, err
	}
	sig, err := a.signer.SignOrder(payload, exchangeDomainName, exchangeVersion, a.contract)
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
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          side,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"strategy": "LIMIT",
	}

	var raw struct {
		Data pfOrder `json:"data"`
	}
	err = a.client.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "/v1/orders",
		Body:    body,
		Headers: a.headers(),
		Out:     &raw,
	})
	if err != nil {
		return order, fmt.Errorf("predictfun: create order: %w", err)
	}

	placed := raw.Data.toDomain()
	placed.ClientID = order.ClientID
	placed.MarketID = order.MarketID
	placed.Outcome = order.Outcome
	if placed.Price == 0 {
		placed.Price = order.Price
	}
	if placed.Size == 0 {
		placed.Size = order.Size
	}
	if placed.Status == "" {
		placed.Status = domain.OrderStatusOpen
	}
	return placed, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, order domain.Order) error {
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodPost,
		Path:       "/v1/orders/cancel",
		Body:       map[string]any{"orderHashes": []string{order.ID}},
		Headers:    a.headers(),
		Idempotent: true,
	})
	if err != nil {
		return fmt.Errorf("predictfun: cancel order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	var raw struct {
		Data pfOrder `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/orders/" + url.PathEscape(order.ID),
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("predictfun: fetch order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	out := raw.Data.toDomain()
	out.ClientID = order.ClientID
	out.MarketID = order.MarketID
	out.Outcome = order.Outcome
	return out, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	query := url.Values{}
	if marketID != "" {
		query.Set("marketId", marketID)
	}
	query.Set("status", "OPEN")

	var raw struct {
		Data []pfOrder `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/orders",
		Query:      query,
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("predictfun: fetch open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(raw.Data))
	for i := range raw.Data {
		orders = append(orders, raw.Data[i].toDomain())
	}
	return orders, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (float64, error) {
	var raw struct {
		Data struct {
			Balance json.Number `json:"balance"`
		} `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/accounts/me",
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return 0, fmt.Errorf("predictfun: fetch balance: %w", err)
	}
	bal, _ := raw.Data.Balance.Float64()
	return bal, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	var raw struct {
		Data []struct {
			MarketID json.Number `json:"marketId"`
			Outcome  string      `json:"outcome"`
			Size     json.Number `json:"size"`
			AvgPrice json.Number `json:"avgPrice"`
		} `json:"data"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       "/v1/positions",
		Headers:    a.headers(),
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("predictfun: fetch positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(raw.Data))
	for _, p := range raw.Data {
		size, _ := p.Size.Float64()
		if size == 0 {
			continue
		}
		avg, _ := p.AvgPrice.Float64()
		positions = append(positions, domain.Position{
			Venue:    VenueName,
			MarketID: p.MarketID.String(),
			Outcome:  p.Outcome,
			Size:     size,
			AvgPrice: avg,
		})
	}
	return positions, nil
}

// OpenStream fails fast: predict.fun exposes no public market-data stream.
func (a *Adapter) OpenStream(ctx context.Context, h venue.StreamHandlers) (venue.Stream, error) {
	return nil, venue.Unsupported(VenueName, "open_stream")
}

// pfOrder is an order as the v1 API reports it.
type pfOrder struct {
	Hash    string      `json:"hash"`
	TokenID string      `json:"tokenId"`
	Side    string      `json:"side"`
	Price   json.Number `json:"price"`
	Size    json.Number `json:"size"`
	Filled  json.Number `json:"filledSize"`
	Status  string      `json:"status"` // OPEN, FILLED, CANCELLED, EXPIRED
}

func (o *pfOrder) toDomain() domain.Order {
	out := domain.Order{
		ID:      o.Hash,
		Venue:   VenueName,
		TokenID: o.TokenID,
	}
	if strings.EqualFold(o.Side, "SELL") {
		out.Side = domain.OrderSideSell
	} else {
		out.Side = domain.OrderSideBuy
	}
	out.Price, _ = o.Price.Float64()
	out.Size, _ = o.Size.Float64()
	out.Filled, _ = o.Filled.Float64()

	switch strings.ToUpper(o.Status) {
	case "OPEN", "LIVE":
		if out.Filled > 0 {
			out.Status = domain.OrderStatusPartiallyFilled
		} else {
			out.Status = domain.OrderStatusOpen
		}
	case "FILLED", "MATCHED":
		out.Status = domain.OrderStatusFilled
	case "CANCELLED", "CANCELED", "EXPIRED":
		out.Status = domain.OrderStatusCancelled
	case "REJECTED":
		out.Status = domain.OrderStatusRejected
	}
	return out
}

func mapNotFound(err, sentinel error) error {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}
