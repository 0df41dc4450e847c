// Package app owns the application lifecycle: it wires venue adapters, the
// order tracker, the notifier and the session manager from configuration,
// launches the configured strategy sessions, and tears everything down on
// shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guzus/dr-manhattan/internal/config"
	"github.com/guzus/dr-manhattan/internal/engine"
	"github.com/guzus/dr-manhattan/internal/notify"
)

const shutdownTimeout = 30 * time.Second

// App is the root application object.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, starts every configured session and blocks until
// the context is cancelled. Cleanup cancels all resting orders before
// returning.
func (a *App) Run(ctx context.Context) error {
	deps, err := wire(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.logger.InfoContext(ctx, "application wired",
		slog.Any("venues", deps.Venues.Names()),
		slog.Int("sessions", len(a.cfg.Sessions)))

	for _, sc := range a.cfg.Sessions {
		id, err := deps.Manager.CreateSession(ctx, engine.CreateSessionRequest{
			Venue:    sc.Venue,
			MarketID: sc.MarketID,
			Strategy: sc.Strategy,
			Limits: engine.RiskLimits{
				OrderSize:   sc.OrderSize,
				MaxPosition: sc.MaxPosition,
				MaxDelta:    sc.MaxDelta,
			},
			TickInterval: sc.Interval(),
			Liquidate:    sc.LiquidateOnStop,
			BBO:          engine.BBOConfig{Tolerance: sc.Tolerance},
			Spike: engine.SpikeConfig{
				Period:       sc.Spike.Period,
				Threshold:    sc.Spike.Threshold,
				ProfitTarget: sc.Spike.ProfitTarget,
				StopLoss:     sc.Spike.StopLoss,
				Cooldown:     sc.Spike.Cooldown.Duration,
			},
		})
		if err != nil {
			return fmt.Errorf("app: start session %s/%s: %w", sc.Venue, sc.MarketID, err)
		}
		a.logger.InfoContext(ctx, "session launched",
			slog.String("session_id", id),
			slog.String("venue", sc.Venue),
			slog.String("market", sc.MarketID),
			slog.String("strategy", sc.Strategy))
	}

	<-ctx.Done()

	// The run context is gone; cleanup gets its own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, id := range deps.Manager.List() {
		notify.SessionAlert(stopCtx, deps.Notifier, notify.EventSessionStop, id, "shutdown")
	}
	deps.Manager.StopAll(stopCtx)
	return ctx.Err()
}
