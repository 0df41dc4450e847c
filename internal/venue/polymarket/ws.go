package polymarket

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/stream"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// marketStream adapts the CLOB market channel to venue.Stream. It keeps a
// local book per asset so incremental price_change frames can be re-emitted
// as full snapshots.
type marketStream struct {
	mgr      *stream.Manager
	handlers venue.StreamHandlers

	mu    sync.Mutex
	books map[string]*localBook
}

type localBook struct {
	marketID string
	bids     map[float64]float64
	asks     map[float64]float64
}

// OpenStream connects to the market channel. Subscriptions survive
// reconnects; a fresh book snapshot is redelivered by the venue after each
// resubscribe.
func (a *Adapter) OpenStream(ctx context.Context, h venue.StreamHandlers) (venue.Stream, error) {
	s := &marketStream{
		handlers: h,
		books:    make(map[string]*localBook),
	}
	s.mgr = stream.NewManager(stream.Config{URL: a.wsURL}, a.logger, s.handleFrame)
	if h.OnStateChange != nil {
		s.mgr.OnStateChange(h.OnStateChange)
	}
	if err := s.mgr.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *marketStream) SubscribeOrderbook(tokenID string) error {
	return s.mgr.Subscribe("book:"+tokenID, wsCommand{
		Type:     "market",
		AssetIDs: []string{tokenID},
	})
}

func (s *marketStream) Close() error { return s.mgr.Close() }

// handleFrame dispatches one WebSocket frame. The channel sends both bare
// events and arrays of events.
func (s *marketStream) handleFrame(raw []byte) {
	var events []json.RawMessage
	if err := json.Unmarshal(raw, &events); err != nil {
		events = []json.RawMessage{raw}
	}
	for _, ev := range events {
		s.handleEvent(ev)
	}
}

func (s *marketStream) handleEvent(raw []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	switch envelope.EventType {
	case "book":
		var b wsBook
		if err := json.Unmarshal(raw, &b); err != nil {
			return
		}
		s.replaceBook(&b)
		if s.handlers.OnOrderbook != nil {
			s.handlers.OnOrderbook(b.toSnapshot())
		}
	case "price_change":
		var pc struct {
			AssetID   string `json:"asset_id"`
			Market    string `json:"market"`
			Side      string `json:"side"`
			Price     string `json:"price"`
			Size      string `json:"size"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		if snap, ok := s.applyDelta(pc.AssetID, pc.Market, pc.Side, pc.Price, pc.Size, pc.Timestamp); ok {
			if s.handlers.OnOrderbook != nil {
				s.handlers.OnOrderbook(snap)
			}
		}
	case "last_trade_price":
		var t wsTrade
		if err := json.Unmarshal(raw, &t); err != nil {
			return
		}
		if s.handlers.OnTrade != nil {
			s.handlers.OnTrade(t.toDomain())
		}
	}
}

func (s *marketStream) replaceBook(b *wsBook) {
	book := &localBook{
		marketID: b.Market,
		bids:     make(map[float64]float64, len(b.Bids)),
		asks:     make(map[float64]float64, len(b.Asks)),
	}
	for _, l := range b.Bids {
		p, _ := strconv.ParseFloat(l.Price, 64)
		sz, _ := strconv.ParseFloat(l.Size, 64)
		book.bids[p] = sz
	}
	for _, l := range b.Asks {
		p, _ := strconv.ParseFloat(l.Price, 64)
		sz, _ := strconv.ParseFloat(l.Size, 64)
		book.asks[p] = sz
	}

	s.mu.Lock()
	s.books[b.AssetID] = book
	s.mu.Unlock()
}

// applyDelta updates one level and rebuilds the snapshot. Deltas arriving
// before the initial book snapshot are dropped.
func (s *marketStream) applyDelta(assetID, marketID, side, priceStr, sizeStr, ts string) (domain.OrderbookSnapshot, bool) {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.OrderbookSnapshot{}, false
	}
	size, err := strconv.ParseFloat(sizeStr, 64)
	if err != nil {
		return domain.OrderbookSnapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[assetID]
	if !ok {
		return domain.OrderbookSnapshot{}, false
	}
	levels := book.bids
	if side == "SELL" {
		levels = book.asks
	}
	if size == 0 {
		delete(levels, price)
	} else {
		levels[price] = size
	}

	snap := domain.OrderbookSnapshot{
		Venue:     VenueName,
		MarketID:  marketID,
		TokenID:   assetID,
		Bids:      sortedLevels(book.bids, true),
		Asks:      sortedLevels(book.asks, false),
		Timestamp: parseWSTime(ts),
	}
	if marketID == "" {
		snap.MarketID = book.marketID
	}
	return snap, true
}

func sortedLevels(m map[float64]float64, desc bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(m))
	for p, sz := range m {
		out = append(out, domain.PriceLevel{Price: p, Size: sz})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}
