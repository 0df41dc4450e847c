// Package config defines the operator-facing configuration for the trading
// client and validates it before anything connects to a venue.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and can be
// overridden by MANHATTAN_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Kalshi     KalshiConfig     `toml:"kalshi"`
	PredictFun PredictFunConfig `toml:"predictfun"`
	Paper      PaperConfig      `toml:"paper"`
	Transport  TransportConfig  `toml:"transport"`
	Engine     EngineConfig     `toml:"engine"`
	Sessions   []SessionConfig  `toml:"sessions"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the secp256k1 signing key used for structured-data
// order signing. Either a raw hex key or an encrypted keyfile plus password.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// FunderAddress switches signing to delegated-wallet mode: orders are
	// signed by the key but funded by this proxy or safe address.
	FunderAddress string `toml:"funder_address"`
	SignatureType int    `toml:"signature_type"` // 1 = proxy, 2 = gnosis safe
}

// PolymarketConfig holds Polymarket endpoints, chain parameters and the
// optional pre-derived L2 API credential.
type PolymarketConfig struct {
	Enabled       bool   `toml:"enabled"`
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// KalshiConfig holds Kalshi endpoints and the RSA request-signing key.
type KalshiConfig struct {
	Enabled           bool   `toml:"enabled"`
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
	ApiKeyID          string `toml:"api_key_id"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
}

// PredictFunConfig holds predict.fun endpoints and credentials.
type PredictFunConfig struct {
	Enabled          bool   `toml:"enabled"`
	BaseURL          string `toml:"base_url"`
	ChainID          int    `toml:"chain_id"`
	ApiKey           string `toml:"api_key"`
	ExchangeContract string `toml:"exchange_contract"`
}

// PaperConfig enables the simulated venue for dry runs.
type PaperConfig struct {
	Enabled bool    `toml:"enabled"`
	Cash    float64 `toml:"cash"`
}

// TransportConfig tunes the shared HTTP client defaults applied to every
// venue transport.
type TransportConfig struct {
	RequestsPerSec float64  `toml:"requests_per_sec"`
	Burst          int      `toml:"burst"`
	MaxRetries     int      `toml:"max_retries"`
	RetryMinDelay  duration `toml:"retry_min_delay"`
	RetryMaxDelay  duration `toml:"retry_max_delay"`
	Timeout        duration `toml:"timeout"`
}

// EngineConfig bounds the session manager.
type EngineConfig struct {
	Capacity int `toml:"capacity"`
}

// SessionConfig describes one strategy session to start at boot.
type SessionConfig struct {
	Venue           string      `toml:"venue"`
	MarketID        string      `toml:"market_id"`
	Strategy        string      `toml:"strategy"` // "bbo" or "spike"
	OrderSize       float64     `toml:"order_size"`
	MaxPosition     float64     `toml:"max_position"`
	MaxDelta        float64     `toml:"max_delta"`
	TickInterval    duration    `toml:"tick_interval"`
	LiquidateOnStop bool        `toml:"liquidate_on_stop"`
	Tolerance       float64     `toml:"tolerance"` // bbo requote tolerance
	Spike           SpikeParams `toml:"spike"`
}

// SpikeParams tunes the spike strategy for one session.
type SpikeParams struct {
	Period       int      `toml:"period"`
	Threshold    float64  `toml:"threshold"`
	ProfitTarget float64  `toml:"profit_target"`
	StopLoss     float64  `toml:"stop_loss"`
	Cooldown     duration `toml:"cooldown"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so the TOML decoder accepts strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the public venue endpoints and
// conservative trading limits.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com/ws",
			ChainID:   137,
		},
		Kalshi: KalshiConfig{
			BaseURL: "https://api.elections.kalshi.com",
			WsURL:   "wss://api.elections.kalshi.com/trade-api/ws/v2",
		},
		PredictFun: PredictFunConfig{
			BaseURL: "https://api.predict.fun",
			ChainID: 56,
		},
		Paper: PaperConfig{
			Cash: 1000,
		},
		Transport: TransportConfig{
			RequestsPerSec: 10,
			Burst:          5,
			MaxRetries:     3,
			RetryMinDelay:  duration{250 * time.Millisecond},
			RetryMaxDelay:  duration{5 * time.Second},
			Timeout:        duration{15 * time.Second},
		},
		Engine: EngineConfig{
			Capacity: 16,
		},
		Notify: NotifyConfig{
			Events: []string{"fill", "order_rejected", "session_paused", "session_stopped"},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"bbo":   true,
	"spike": true,
}

// Validate checks the configuration and returns one combined error naming
// every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Polymarket.Enabled {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path is required when polymarket is enabled")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.FunderAddress != "" && c.Wallet.SignatureType != 1 && c.Wallet.SignatureType != 2 {
			errs = append(errs, fmt.Sprintf("wallet: signature_type must be 1 (proxy) or 2 (safe) with funder_address, got %d", c.Wallet.SignatureType))
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
		if c.Polymarket.ChainID <= 0 {
			errs = append(errs, "polymarket: chain_id must be positive")
		}
		k := c.Polymarket.ApiKey != ""
		s := c.Polymarket.ApiSecret != ""
		p := c.Polymarket.ApiPassphrase != ""
		if (k || s || p) && !(k && s && p) {
			errs = append(errs, "polymarket: api_key, api_secret and api_passphrase must all be set together")
		}
	}

	if c.Kalshi.Enabled {
		if c.Kalshi.ApiKeyID == "" {
			errs = append(errs, "kalshi: api_key_id is required")
		}
		if c.Kalshi.RsaPrivateKeyPath == "" {
			errs = append(errs, "kalshi: rsa_private_key_path is required")
		}
		if c.Kalshi.BaseURL == "" {
			errs = append(errs, "kalshi: base_url must not be empty")
		}
	}

	if c.PredictFun.Enabled {
		if c.PredictFun.ApiKey == "" {
			errs = append(errs, "predictfun: api_key is required")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: a signing key is required when predictfun is enabled")
		}
	}

	if c.Paper.Enabled && c.Paper.Cash <= 0 {
		errs = append(errs, "paper: cash must be > 0")
	}

	if c.Engine.Capacity < 1 {
		errs = append(errs, "engine: capacity must be >= 1")
	}
	if len(c.Sessions) > c.Engine.Capacity {
		errs = append(errs, fmt.Sprintf("engine: %d sessions configured but capacity is %d", len(c.Sessions), c.Engine.Capacity))
	}

	enabled := map[string]bool{
		"polymarket": c.Polymarket.Enabled,
		"kalshi":     c.Kalshi.Enabled,
		"predictfun": c.PredictFun.Enabled,
		"paper":      c.Paper.Enabled,
	}
	for i, s := range c.Sessions {
		tag := fmt.Sprintf("sessions[%d]", i)
		if !enabled[s.Venue] {
			errs = append(errs, fmt.Sprintf("%s: venue %q is not enabled", tag, s.Venue))
		}
		if s.MarketID == "" {
			errs = append(errs, tag+": market_id must not be empty")
		}
		if !validStrategies[s.Strategy] {
			errs = append(errs, fmt.Sprintf("%s: unknown strategy %q (valid: bbo, spike)", tag, s.Strategy))
		}
		if s.OrderSize <= 0 {
			errs = append(errs, tag+": order_size must be > 0")
		}
		if s.MaxPosition < 0 || s.MaxDelta < 0 {
			errs = append(errs, tag+": risk limits must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
