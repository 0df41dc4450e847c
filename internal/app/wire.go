package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guzus/dr-manhattan/internal/config"
	"github.com/guzus/dr-manhattan/internal/engine"
	"github.com/guzus/dr-manhattan/internal/notify"
	"github.com/guzus/dr-manhattan/internal/tracker"
	"github.com/guzus/dr-manhattan/internal/venue"
	"github.com/guzus/dr-manhattan/internal/venue/kalshi"
	"github.com/guzus/dr-manhattan/internal/venue/paper"
	"github.com/guzus/dr-manhattan/internal/venue/polymarket"
	"github.com/guzus/dr-manhattan/internal/venue/predictfun"
)

// Deps are the long-lived components the application runs on.
type Deps struct {
	Venues   *venue.Registry
	Tracker  *tracker.Tracker
	Notifier *notify.Notifier
	Manager  *engine.Manager
}

// wire builds every enabled venue adapter, the shared order tracker, the
// notifier and the session manager from validated configuration.
func wire(cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	venues := venue.NewRegistry()
	tr := tracker.New(logger)

	if cfg.Paper.Enabled {
		if err := venues.Register(paper.New(cfg.Paper.Cash)); err != nil {
			return nil, err
		}
	}

	if cfg.Polymarket.Enabled {
		cred, err := cfg.Wallet.OrderCredential(cfg.Polymarket.ChainID)
		if err != nil {
			return nil, fmt.Errorf("wire polymarket: %w", err)
		}
		adapter, err := polymarket.New(polymarket.Config{
			ClobURL:         cfg.Polymarket.ClobHost,
			GammaURL:        cfg.Polymarket.GammaHost,
			WSURL:           cfg.Polymarket.WsHost,
			OrderCredential: cred,
			APICredential:   cfg.Polymarket.APICredential(),
			Transport:       cfg.Transport.ClientConfig(cfg.Polymarket.ClobHost),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire polymarket: %w", err)
		}
		if err := venues.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.Kalshi.Enabled {
		cred, err := cfg.Kalshi.Credential()
		if err != nil {
			return nil, fmt.Errorf("wire kalshi: %w", err)
		}
		adapter, err := kalshi.New(kalshi.Config{
			BaseURL:    cfg.Kalshi.BaseURL,
			WSURL:      cfg.Kalshi.WsURL,
			Credential: cred,
			Transport:  cfg.Transport.ClientConfig(cfg.Kalshi.BaseURL),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire kalshi: %w", err)
		}
		if err := venues.Register(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.PredictFun.Enabled {
		cred, err := cfg.Wallet.OrderCredential(cfg.PredictFun.ChainID)
		if err != nil {
			return nil, fmt.Errorf("wire predictfun: %w", err)
		}
		adapter, err := predictfun.New(predictfun.Config{
			BaseURL:          cfg.PredictFun.BaseURL,
			OrderCredential:  cred,
			APIKey:           cfg.PredictFun.ApiKey,
			ExchangeContract: cfg.PredictFun.ExchangeContract,
			Transport:        cfg.Transport.ClientConfig(cfg.PredictFun.BaseURL),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire predictfun: %w", err)
		}
		if err := venues.Register(adapter); err != nil {
			return nil, err
		}
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)
	notify.WatchOrders(notifier, tr)

	manager := engine.NewManager(venues, tr, logger,
		engine.WithCapacity(cfg.Engine.Capacity),
		engine.WithPauseHook(func(sessionID, reason string) {
			notify.SessionAlert(context.Background(), notifier, notify.EventSessionPaused, sessionID, reason)
		}))

	return &Deps{
		Venues:   venues,
		Tracker:  tr,
		Notifier: notifier,
		Manager:  manager,
	}, nil
}
