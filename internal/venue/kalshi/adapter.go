// Package kalshi implements the venue adapter for the Kalshi exchange.
// Every request carries RSA-PSS signature headers; prices normalize
// between Kalshi's integer cents and the shared [0,1] scale. Outcome
// tokens are synthesized as "<ticker>|yes" and "<ticker>|no" since Kalshi
// addresses books by ticker and side rather than by token id.
package kalshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guzus/dr-manhattan/internal/crypto"
	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/transport"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// VenueName identifies this adapter in the registry.
const VenueName = "kalshi"

const apiPrefix = "/trade-api/v2"

// Config holds the adapter endpoints and credential.
type Config struct {
	// BaseURL is the host root, e.g. "https://api.elections.kalshi.com".
	// The trade-api path prefix is appended per request so it is part of
	// the signed message.
	BaseURL string
	WSURL   string

	// Credential must carry KeyID and RSAKeyPEM.
	Credential domain.KeyPairCredential

	Transport transport.Config
}

// Adapter is the Kalshi implementation of venue.Adapter.
type Adapter struct {
	client *transport.Client
	signer *crypto.RSASigner
	wsURL  string
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	signer, err := crypto.NewRSASigner(cfg.Credential.KeyID, cfg.Credential.RSAKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("kalshi: %w", err)
	}

	logger = logger.With(slog.String("venue", VenueName))
	tcfg := cfg.Transport
	tcfg.BaseURL = cfg.BaseURL

	return &Adapter{
		client: transport.NewClient(tcfg, logger, transport.WithSigner(signer)),
		signer: signer,
		wsURL:  cfg.WSURL,
		logger: logger,
	}, nil
}

func (a *Adapter) Name() string { return VenueName }

func (a *Adapter) Capabilities() venue.Capability {
	return venue.CapMarkets | venue.CapOrderbook | venue.CapCreateOrder |
		venue.CapCancelOrder | venue.CapBalance | venue.CapPositions | venue.CapStreams
}

// kalshiMarket is a market as the REST API returns it, cents throughout.
type kalshiMarket struct {
	Ticker    string  `json:"ticker"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	YesBid    float64 `json:"yes_bid"`
	YesAsk    float64 `json:"yes_ask"`
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	Liquidity int64   `json:"liquidity"`
	CloseTime string  `json:"close_time"`
}

func (m *kalshiMarket) toDomain(now time.Time) domain.Market {
	yes := m.LastPrice / 100
	if yes == 0 && m.YesBid > 0 && m.YesAsk > 0 {
		yes = (m.YesBid + m.YesAsk) / 200
	}
	dm := domain.Market{
		ID:       m.Ticker,
		Venue:    VenueName,
		Question: m.Title,
		Slug:     strings.ToLower(m.Ticker),
		Outcomes: []string{"Yes", "No"},
		TokenIDs: map[string]string{
			"Yes": TokenID(m.Ticker, "Yes"),
			"No":  TokenID(m.Ticker, "No"),
		},
		Prices:    map[string]float64{"Yes": yes, "No": 1 - yes},
		Volume:    float64(m.Volume),
		Liquidity: float64(m.Liquidity) / 100,
		TickSize:  0.01,
		Closed:    m.Status != "open" && m.Status != "active",
		FetchedAt: now,
	}
	if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
		dm.CloseTime = &t
	}
	return dm
}

// TokenID builds the synthetic outcome token for a ticker.
func TokenID(ticker, outcome string) string {
	return ticker + "|" + strings.ToLower(outcome)
}

// SplitTokenID is the inverse of TokenID.
func SplitTokenID(tokenID string) (ticker, side string, ok bool) {
	ticker, side, ok = strings.Cut(tokenID, "|")
	return
}

func (a *Adapter) FetchMarkets(ctx context.Context, q venue.MarketQuery) ([]domain.Market, error) {
	query := url.Values{}
	if q.Active {
		query.Set("status", "open")
	}
	if q.Limit > 0 {
		query.Set("limit", fmt.Sprint(q.Limit))
	}

	var raw struct {
		Markets []kalshiMarket `json:"markets"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/markets",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: fetch markets: %w", err)
	}

	now := time.Now()
	markets := make([]domain.Market, 0, len(raw.Markets))
	for i := range raw.Markets {
		markets = append(markets, raw.Markets[i].toDomain(now))
	}
	return markets, nil
}

func (a *Adapter) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	var raw struct {
		Market kalshiMarket `json:"market"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/markets/" + url.PathEscape(marketID),
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("kalshi: fetch market %s: %w", marketID, mapNotFound(err, domain.ErrMarketNotFound))
	}
	return raw.Market.toDomain(time.Now()), nil
}

type centsLevel [2]int64 // [price_cents, contracts]

// toYesView normalizes the two-sided cents book into a YES-outcome book:
// YES bids come straight from the yes side, YES asks are implied by NO
// bids at 100-p.
func toYesView(yes, no []centsLevel) (bids, asks []domain.PriceLevel) {
	for _, l := range yes {
		bids = append(bids, domain.PriceLevel{Price: float64(l[0]) / 100, Size: float64(l[1])})
	}
	for _, l := range no {
		asks = append(asks, domain.PriceLevel{Price: float64(100-l[0]) / 100, Size: float64(l[1])})
	}
	sortLevels(bids, true)
	sortLevels(asks, false)
	return bids, asks
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

func (a *Adapter) FetchOrderbook(ctx context.Context, market domain.Market, outcome string) (domain.OrderbookSnapshot, error) {
	var raw struct {
		Orderbook struct {
			Yes []centsLevel `json:"yes"`
			No  []centsLevel `json:"no"`
		} `json:"orderbook"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/markets/" + url.PathEscape(market.ID) + "/orderbook",
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("kalshi: fetch orderbook %s: %w", market.ID, mapNotFound(err, domain.ErrMarketNotFound))
	}

	yes, no := raw.Orderbook.Yes, raw.Orderbook.No
	if strings.EqualFold(outcome, "No") {
		yes, no = no, yes
	}
	bids, asks := toYesView(yes, no)
	return domain.OrderbookSnapshot{
		Venue:     VenueName,
		MarketID:  market.ID,
		TokenID:   TokenID(market.ID, outcome),
		Outcome:   outcome,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}, nil
}

func (a *Adapter) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	side := strings.ToLower(order.Outcome)
	if side != "yes" && side != "no" {
		return order, fmt.Errorf("%w: kalshi outcome must be Yes or No, got %q", domain.ErrInvalidOrder, order.Outcome)
	}
	action := "buy"
	if order.Side == domain.OrderSideSell {
		action = "sell"
	}

	cents := int64(math.Round(order.Price * 100))
	if cents < 1 || cents > 99 {
		return order, fmt.Errorf("%w: price %.4f outside 1-99 cents", domain.ErrInvalidOrder, order.Price)
	}
	body := map[string]any{
		"ticker":          order.MarketID,
		"client_order_id": order.ClientID,
		"action":          action,
		"side":            side,
		"type":            "limit",
		"count":           int64(order.Size),
	}
	if side == "yes" {
		body["yes_price"] = cents
	} else {
		body["no_price"] = cents
	}

	var raw struct {
		Order kalshiOrder `json:"order"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   apiPrefix + "/portfolio/orders",
		Body:   body,
		Signed: true,
		Out:    &raw,
	})
	if err != nil {
		return order, fmt.Errorf("kalshi: create order: %w", err)
	}

	placed := raw.Order.toDomain()
	placed.ClientID = order.ClientID
	placed.Outcome = order.Outcome
	placed.TokenID = order.TokenID
	return placed, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, order domain.Order) error {
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodDelete,
		Path:       apiPrefix + "/portfolio/orders/" + url.PathEscape(order.ID),
		Signed:     true,
		Idempotent: true,
	})
	if err != nil {
		return fmt.Errorf("kalshi: cancel order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	var raw struct {
		Order kalshiOrder `json:"order"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/portfolio/orders/" + url.PathEscape(order.ID),
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("kalshi: fetch order %s: %w", order.ID, mapNotFound(err, domain.ErrOrderNotFound))
	}
	out := raw.Order.toDomain()
	out.ClientID = order.ClientID
	out.Outcome = order.Outcome
	out.TokenID = order.TokenID
	return out, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, marketID string) ([]domain.Order, error) {
	query := url.Values{}
	query.Set("status", "resting")
	if marketID != "" {
		query.Set("ticker", marketID)
	}

	var raw struct {
		Orders []kalshiOrder `json:"orders"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/portfolio/orders",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: fetch open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(raw.Orders))
	for i := range raw.Orders {
		orders = append(orders, raw.Orders[i].toDomain())
	}
	return orders, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) (float64, error) {
	var raw struct {
		Balance int64 `json:"balance"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/portfolio/balance",
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return 0, fmt.Errorf("kalshi: fetch balance: %w", err)
	}
	return float64(raw.Balance) / 100, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]domain.Position, error) {
	var raw struct {
		MarketPositions []struct {
			Ticker         string `json:"ticker"`
			Position       int64  `json:"position"` // signed contracts, + = yes
			MarketExposure int64  `json:"market_exposure"`
		} `json:"market_positions"`
	}
	err := a.client.Do(ctx, transport.Request{
		Method:     http.MethodGet,
		Path:       apiPrefix + "/portfolio/positions",
		Signed:     true,
		Idempotent: true,
		Out:        &raw,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: fetch positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(raw.MarketPositions))
	for _, p := range raw.MarketPositions {
		if p.Position == 0 {
			continue
		}
		pos := domain.Position{
			Venue:    VenueName,
			MarketID: p.Ticker,
			Outcome:  "Yes",
			Size:     float64(p.Position),
		}
		if p.Position != 0 {
			pos.AvgPrice = float64(p.MarketExposure) / float64(abs(p.Position)) / 100
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// kalshiOrder is an order as the portfolio API reports it.
type kalshiOrder struct {
	OrderID        string `json:"order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // resting, canceled, executed, pending
	Action         string `json:"action"`
	Side           string `json:"side"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	InitialCount   int64  `json:"initial_count"`
	RemainingCount int64  `json:"remaining_count"`
	PlacedTime     string `json:"placed_time"`
}

func (o *kalshiOrder) toDomain() domain.Order {
	out := domain.Order{
		ID:       o.OrderID,
		Venue:    VenueName,
		MarketID: o.Ticker,
		Outcome:  sideOutcome(o.Side),
		TokenID:  TokenID(o.Ticker, o.Side),
		Size:     float64(o.InitialCount),
		Filled:   float64(o.InitialCount - o.RemainingCount),
	}
	if o.Action == "sell" {
		out.Side = domain.OrderSideSell
	} else {
		out.Side = domain.OrderSideBuy
	}
	if o.Side == "no" {
		out.Price = float64(o.NoPrice) / 100
	} else {
		out.Price = float64(o.YesPrice) / 100
	}

	switch o.Status {
	case "resting":
		if out.Filled > 0 {
			out.Status = domain.OrderStatusPartiallyFilled
		} else {
			out.Status = domain.OrderStatusOpen
		}
	case "executed":
		out.Status = domain.OrderStatusFilled
	case "canceled", "cancelled":
		out.Status = domain.OrderStatusCancelled
	default:
		out.Status = domain.OrderStatusPending
	}
	if t, err := time.Parse(time.RFC3339, o.PlacedTime); err == nil {
		out.CreatedAt = t
	}
	return out
}

func sideOutcome(side string) string {
	if strings.EqualFold(side, "no") {
		return "No"
	}
	return "Yes"
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func mapNotFound(err, sentinel error) error {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}
