package kalshi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/stream"
	"github.com/guzus/dr-manhattan/internal/venue"
)

// marketStream adapts the Kalshi WebSocket to venue.Stream. Kalshi sends a
// full orderbook_snapshot after subscribe, then orderbook_delta frames; the
// stream folds deltas into local cents books and re-emits YES-view
// snapshots for every subscribed outcome of the ticker.
type marketStream struct {
	mgr      *stream.Manager
	handlers venue.StreamHandlers
	cmdID    atomic.Int64

	mu       sync.Mutex
	books    map[string]*centsBook       // ticker -> book
	outcomes map[string]map[string]bool  // ticker -> subscribed outcomes
}

type centsBook struct {
	yes map[int64]int64
	no  map[int64]int64
}

type wsCommand struct {
	ID     int64    `json:"id"`
	Cmd    string   `json:"cmd"`
	Params wsParams `json:"params"`
}

type wsParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type wsOrderbook struct {
	Ticker string       `json:"market_ticker"`
	Yes    []centsLevel `json:"yes"`
	No     []centsLevel `json:"no"`
}

type wsDelta struct {
	Ticker string `json:"market_ticker"`
	Price  int64  `json:"price"`
	Delta  int64  `json:"delta"`
	Side   string `json:"side"`
}

// OpenStream dials the WebSocket; the upgrade itself is signed, with fresh
// headers generated on every reconnect attempt.
func (a *Adapter) OpenStream(ctx context.Context, h venue.StreamHandlers) (venue.Stream, error) {
	s := &marketStream{
		handlers: h,
		books:    make(map[string]*centsBook),
		outcomes: make(map[string]map[string]bool),
	}
	s.mgr = stream.NewManager(stream.Config{
		URL: a.wsURL,
		HeaderFunc: func() (http.Header, error) {
			signed, err := a.signer.SignRequest(http.MethodGet, "/trade-api/ws/v2", "")
			if err != nil {
				return nil, err
			}
			header := http.Header{}
			for k, v := range signed {
				header.Set(k, v)
			}
			return header, nil
		},
	}, a.logger, s.handleFrame)
	if h.OnStateChange != nil {
		s.mgr.OnStateChange(h.OnStateChange)
	}
	if err := s.mgr.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *marketStream) SubscribeOrderbook(tokenID string) error {
	ticker, side, ok := SplitTokenID(tokenID)
	if !ok {
		return domain.ErrMarketNotFound
	}

	s.mu.Lock()
	if s.outcomes[ticker] == nil {
		s.outcomes[ticker] = make(map[string]bool)
	}
	s.outcomes[ticker][sideOutcome(side)] = true
	s.mu.Unlock()

	return s.mgr.Subscribe("orderbook:"+ticker, wsCommand{
		ID:  s.cmdID.Add(1),
		Cmd: "subscribe",
		Params: wsParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: []string{ticker},
		},
	})
}

func (s *marketStream) Close() error { return s.mgr.Close() }

func (s *marketStream) handleFrame(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var ob wsOrderbook
		if err := json.Unmarshal(env.Msg, &ob); err != nil {
			return
		}
		s.mu.Lock()
		book := &centsBook{yes: make(map[int64]int64), no: make(map[int64]int64)}
		for _, l := range ob.Yes {
			book.yes[l[0]] = l[1]
		}
		for _, l := range ob.No {
			book.no[l[0]] = l[1]
		}
		s.books[ob.Ticker] = book
		s.mu.Unlock()
		s.emit(ob.Ticker)
	case "orderbook_delta":
		var d wsDelta
		if err := json.Unmarshal(env.Msg, &d); err != nil {
			return
		}
		s.mu.Lock()
		book, ok := s.books[d.Ticker]
		if ok {
			levels := book.yes
			if d.Side == "no" {
				levels = book.no
			}
			if next := levels[d.Price] + d.Delta; next <= 0 {
				delete(levels, d.Price)
			} else {
				levels[d.Price] = next
			}
		}
		s.mu.Unlock()
		if ok {
			s.emit(d.Ticker)
		}
	}
}

// emit rebuilds and delivers a snapshot per subscribed outcome.
func (s *marketStream) emit(ticker string) {
	if s.handlers.OnOrderbook == nil {
		return
	}

	s.mu.Lock()
	book, ok := s.books[ticker]
	if !ok {
		s.mu.Unlock()
		return
	}
	yes := levelSlice(book.yes)
	no := levelSlice(book.no)
	var outcomes []string
	for out := range s.outcomes[ticker] {
		outcomes = append(outcomes, out)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, outcome := range outcomes {
		own, opp := yes, no
		if outcome == "No" {
			own, opp = no, yes
		}
		bids, asks := toYesView(own, opp)
		s.handlers.OnOrderbook(domain.OrderbookSnapshot{
			Venue:     VenueName,
			MarketID:  ticker,
			TokenID:   TokenID(ticker, outcome),
			Outcome:   outcome,
			Bids:      bids,
			Asks:      asks,
			Timestamp: now,
		})
	}
}

func levelSlice(m map[int64]int64) []centsLevel {
	out := make([]centsLevel, 0, len(m))
	for p, q := range m {
		out = append(out, centsLevel{p, q})
	}
	return out
}
