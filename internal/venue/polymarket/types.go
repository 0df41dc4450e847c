package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// flexBool accepts JSON bool or "true"/"false" strings; the Gamma API
// sends both depending on endpoint.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// gammaMarket is a market as the Gamma API returns it. Outcomes, prices
// and token ids arrive as JSON-encoded string arrays inside strings.
type gammaMarket struct {
	ID            string   `json:"id"`
	ConditionID   string   `json:"conditionId"`
	Question      string   `json:"question"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"`
	Closed        bool     `json:"closed"`
	Outcomes      string   `json:"outcomes"`
	OutcomePrices string   `json:"outcomePrices"`
	ClobTokenIDs  string   `json:"clobTokenIds"`
	Volume        string   `json:"volume"`
	Liquidity     string   `json:"liquidity"`
	TickSize      string   `json:"orderPriceMinTickSize"`
	EndDateISO    string   `json:"endDateIso"`
}

func (m *gammaMarket) toDomain(now time.Time) domain.Market {
	dm := domain.Market{
		ID:        m.ConditionID,
		Venue:     VenueName,
		Question:  m.Question,
		Slug:      m.Slug,
		Closed:    m.Closed || !bool(m.Active),
		TokenIDs:  map[string]string{},
		Prices:    map[string]float64{},
		FetchedAt: now,
	}
	if dm.ID == "" {
		dm.ID = m.ID
	}

	var outcomes, prices, tokens []string
	json.Unmarshal([]byte(m.Outcomes), &outcomes)
	json.Unmarshal([]byte(m.OutcomePrices), &prices)
	json.Unmarshal([]byte(m.ClobTokenIDs), &tokens)

	dm.Outcomes = outcomes
	for i, out := range outcomes {
		if i < len(tokens) {
			dm.TokenIDs[out] = tokens[i]
		}
		if i < len(prices) {
			if p, err := strconv.ParseFloat(prices[i], 64); err == nil {
				dm.Prices[out] = p
			}
		}
	}

	dm.Volume, _ = strconv.ParseFloat(m.Volume, 64)
	dm.Liquidity, _ = strconv.ParseFloat(m.Liquidity, 64)
	if dm.TickSize, _ = strconv.ParseFloat(m.TickSize, 64); dm.TickSize == 0 {
		dm.TickSize = 0.01
	}
	if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
		dm.CloseTime = &t
	}
	return dm
}

// clobOrder is an order as the CLOB API reports it.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Outcome      string `json:"outcome"`
	CreatedAt    int64  `json:"created_at"`
}

func (o *clobOrder) toDomain() domain.Order {
	out := domain.Order{
		ID:       o.ID,
		Venue:    VenueName,
		MarketID: o.Market,
		TokenID:  o.AssetID,
		Outcome:  o.Outcome,
	}
	if strings.EqualFold(o.Side, "SELL") {
		out.Side = domain.OrderSideSell
	} else {
		out.Side = domain.OrderSideBuy
	}
	out.Price, _ = strconv.ParseFloat(o.Price, 64)
	out.Size, _ = strconv.ParseFloat(o.OriginalSize, 64)
	out.Filled, _ = strconv.ParseFloat(o.SizeMatched, 64)

	switch strings.ToLower(o.Status) {
	case "live", "open":
		if out.Filled > 0 {
			out.Status = domain.OrderStatusPartiallyFilled
		} else {
			out.Status = domain.OrderStatusOpen
		}
	case "matched", "filled":
		out.Status = domain.OrderStatusFilled
	case "cancelled", "canceled":
		out.Status = domain.OrderStatusCancelled
	case "rejected":
		out.Status = domain.OrderStatusRejected
	default:
		out.Status = domain.OrderStatusPending
	}
	if o.CreatedAt > 0 {
		out.CreatedAt = time.Unix(o.CreatedAt, 0)
	}
	return out
}

// orderResult is the response to POST /order.
type orderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// bookLevel is one side level in REST and WS book payloads.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func toPriceLevels(levels []bookLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		p, _ := strconv.ParseFloat(l.Price, 64)
		s, _ := strconv.ParseFloat(l.Size, 64)
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

// wsBook is a full book snapshot frame from the market channel.
type wsBook struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

func (b *wsBook) toSnapshot() domain.OrderbookSnapshot {
	snap := domain.OrderbookSnapshot{
		Venue:     VenueName,
		MarketID:  b.Market,
		TokenID:   b.AssetID,
		Bids:      toPriceLevels(b.Bids),
		Asks:      toPriceLevels(b.Asks),
		Timestamp: parseWSTime(b.Timestamp),
	}
	return snap
}

// wsTrade is a last_trade_price frame.
type wsTrade struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

func (t *wsTrade) toDomain() domain.LastTrade {
	lt := domain.LastTrade{
		Venue:     VenueName,
		TokenID:   t.AssetID,
		Timestamp: parseWSTime(t.Timestamp),
	}
	lt.Price, _ = strconv.ParseFloat(t.Price, 64)
	lt.Size, _ = strconv.ParseFloat(t.Size, 64)
	return lt
}

// parseWSTime accepts unix-milli strings first, RFC3339 second; the feed
// has been seen sending both.
func parseWSTime(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// wsCommand is the subscribe/unsubscribe frame for the market channel.
type wsCommand struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}
