package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// BBOConfig tunes the market-making strategy. Tolerance is how far a
// resting quote may drift from the current best bid/ask before it is
// cancelled and replaced; zero replaces on any drift.
type BBOConfig struct {
	Tolerance float64
}

// BBOMaker quotes both sides of every outcome at the current best bid and
// best ask. Quotes already at the right price are left untouched, so an
// unchanged book produces no venue calls.
type BBOMaker struct {
	tolerance float64
	logger    *slog.Logger
}

func NewBBOMaker(cfg BBOConfig, logger *slog.Logger) *BBOMaker {
	return &BBOMaker{
		tolerance: cfg.Tolerance,
		logger:    logger.With(slog.String("strategy", "bbo")),
	}
}

func (m *BBOMaker) Name() string { return "bbo" }

func (m *BBOMaker) Tick(ctx context.Context, env Env) error {
	for _, outcome := range env.Market().Outcomes {
		book, ok := env.Book(outcome)
		if !ok {
			continue
		}
		open := env.OpenOrders(outcome)
		if bid, ok := book.BestBid(); ok {
			if err := m.quote(ctx, env, outcome, domain.OrderSideBuy, bid, open); err != nil {
				return err
			}
		}
		if ask, ok := book.BestAsk(); ok {
			if err := m.quote(ctx, env, outcome, domain.OrderSideSell, ask, open); err != nil {
				return err
			}
		}
	}
	return nil
}

// quote ensures exactly one resting order on side at target: drifted or
// duplicate quotes are cancelled, an in-band quote is kept as is.
func (m *BBOMaker) quote(ctx context.Context, env Env, outcome string, side domain.OrderSide, target float64, open []domain.Order) error {
	const eps = 1e-9
	keep := false
	for _, o := range open {
		if o.Side != side {
			continue
		}
		if !keep && math.Abs(o.Price-target) <= m.tolerance+eps {
			keep = true
			continue
		}
		if err := env.CancelOrder(ctx, o); err != nil {
			m.logger.Warn("quote cancel failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}
	if keep {
		return nil
	}

	_, err := env.PlaceOrder(ctx, outcome, side, target, env.Limits().OrderSize)
	if err == nil {
		m.logger.Debug("quote placed",
			slog.String("outcome", outcome),
			slog.String("side", string(side)),
			slog.Float64("price", target))
		return nil
	}

	var risk *RiskError
	switch {
	case errors.As(err, &risk):
		m.logger.Debug("quote skipped", slog.String("outcome", outcome),
			slog.String("side", string(side)), slog.String("reason", risk.Reason))
		return nil
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidOrder):
		m.logger.Debug("quote rejected", slog.String("outcome", outcome), slog.Any("error", err))
		return nil
	}
	return err
}
