package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// SpikeConfig tunes the mean-reversion strategy.
type SpikeConfig struct {
	Period       int           // EMA period; smoothing factor is 2/(period+1)
	Threshold    float64       // entry when (price-ema)/ema <= -Threshold
	ProfitTarget float64       // exit at +ProfitTarget on entry price
	StopLoss     float64       // exit at -StopLoss on entry price
	Cooldown     time.Duration // re-entry block per outcome after an exit
}

func (c *SpikeConfig) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 20
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.015
	}
	if c.ProfitTarget <= 0 {
		c.ProfitTarget = 0.03
	}
	if c.StopLoss <= 0 {
		c.StopLoss = 0.02
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
}

type spikeState struct {
	ema           float64
	primed        bool
	cooldownUntil time.Time
}

// SpikeReverter buys sharp drops below the trailing EMA and exits on a
// fixed profit target or stop loss, with a cooldown before re-entering the
// same outcome.
type SpikeReverter struct {
	cfg    SpikeConfig
	alpha  float64
	states map[string]*spikeState
	logger *slog.Logger
}

func NewSpikeReverter(cfg SpikeConfig, logger *slog.Logger) *SpikeReverter {
	cfg.applyDefaults()
	return &SpikeReverter{
		cfg:    cfg,
		alpha:  2.0 / float64(cfg.Period+1),
		states: make(map[string]*spikeState),
		logger: logger.With(slog.String("strategy", "spike")),
	}
}

func (r *SpikeReverter) Name() string { return "spike" }

func (r *SpikeReverter) Tick(ctx context.Context, env Env) error {
	for _, outcome := range env.Market().Outcomes {
		book, ok := env.Book(outcome)
		if !ok {
			continue
		}
		price, ok := book.MidPrice()
		if !ok || price <= 0 {
			continue
		}
		if err := r.evaluate(ctx, env, outcome, book, price); err != nil {
			return err
		}
	}
	return nil
}

func (r *SpikeReverter) evaluate(ctx context.Context, env Env, outcome string, book domain.OrderbookSnapshot, price float64) error {
	st := r.states[outcome]
	if st == nil {
		st = &spikeState{}
		r.states[outcome] = st
	}
	if !st.primed {
		// Seed the EMA with the first observation; no signal yet.
		st.ema = price
		st.primed = true
		return nil
	}

	deviation := (price - st.ema) / st.ema
	defer func() {
		st.ema += r.alpha * (price - st.ema)
	}()

	pos := env.Position(outcome)
	if pos.Size > 0 {
		return r.managePosition(ctx, env, outcome, st, book, price, pos)
	}

	if env.Now().Before(st.cooldownUntil) {
		return nil
	}
	if deviation > -r.cfg.Threshold {
		return nil
	}
	ask, ok := book.BestAsk()
	if !ok {
		return nil
	}

	_, err := env.PlaceOrder(ctx, outcome, domain.OrderSideBuy, ask, env.Limits().OrderSize)
	if err == nil {
		r.logger.Info("spike entry",
			slog.String("outcome", outcome),
			slog.Float64("price", price),
			slog.Float64("ema", st.ema),
			slog.Float64("deviation", deviation))
		return nil
	}
	var risk *RiskError
	switch {
	case errors.As(err, &risk):
		r.logger.Debug("spike entry skipped", slog.String("outcome", outcome),
			slog.String("reason", risk.Reason))
		return nil
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidOrder):
		r.logger.Debug("spike entry rejected", slog.String("outcome", outcome), slog.Any("error", err))
		return nil
	}
	return err
}

// managePosition exits at the profit target or stop loss, measured against
// the position's average entry price.
func (r *SpikeReverter) managePosition(ctx context.Context, env Env, outcome string, st *spikeState, book domain.OrderbookSnapshot, price float64, pos domain.Position) error {
	if pos.AvgPrice <= 0 {
		return nil
	}
	pnl := (price - pos.AvgPrice) / pos.AvgPrice
	if pnl < r.cfg.ProfitTarget && pnl > -r.cfg.StopLoss {
		return nil
	}

	// Exit orders already resting: nothing to do this tick.
	for _, o := range env.OpenOrders(outcome) {
		if o.Side == domain.OrderSideSell {
			return nil
		}
	}
	bid, ok := book.BestBid()
	if !ok {
		return nil
	}

	_, err := env.PlaceOrder(ctx, outcome, domain.OrderSideSell, bid, pos.Size)
	if err == nil {
		st.cooldownUntil = env.Now().Add(r.cfg.Cooldown)
		r.logger.Info("spike exit",
			slog.String("outcome", outcome),
			slog.Float64("entry", pos.AvgPrice),
			slog.Float64("price", price),
			slog.Float64("pnl", pnl))
		return nil
	}
	var risk *RiskError
	if errors.As(err, &risk) {
		r.logger.Debug("spike exit skipped", slog.String("reason", risk.Reason))
		return nil
	}
	if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrInvalidOrder) {
		return nil
	}
	return err
}
