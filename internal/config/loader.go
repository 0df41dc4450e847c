package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults and applies
// MANHATTAN_* environment overrides. The result has not been validated;
// call Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// A .env file next to the binary is merged when present.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields from well-known environment
// variables so secrets stay out of the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "MANHATTAN_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MANHATTAN_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MANHATTAN_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.FunderAddress, "MANHATTAN_WALLET_FUNDER_ADDRESS")
	setInt(&cfg.Wallet.SignatureType, "MANHATTAN_WALLET_SIGNATURE_TYPE")

	setBool(&cfg.Polymarket.Enabled, "MANHATTAN_POLYMARKET_ENABLED")
	setStr(&cfg.Polymarket.ClobHost, "MANHATTAN_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "MANHATTAN_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "MANHATTAN_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "MANHATTAN_POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.ApiKey, "MANHATTAN_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "MANHATTAN_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "MANHATTAN_POLYMARKET_API_PASSPHRASE")

	setBool(&cfg.Kalshi.Enabled, "MANHATTAN_KALSHI_ENABLED")
	setStr(&cfg.Kalshi.BaseURL, "MANHATTAN_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "MANHATTAN_KALSHI_WS_URL")
	setStr(&cfg.Kalshi.ApiKeyID, "MANHATTAN_KALSHI_API_KEY_ID")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "MANHATTAN_KALSHI_RSA_PRIVATE_KEY_PATH")

	setBool(&cfg.PredictFun.Enabled, "MANHATTAN_PREDICTFUN_ENABLED")
	setStr(&cfg.PredictFun.BaseURL, "MANHATTAN_PREDICTFUN_BASE_URL")
	setInt(&cfg.PredictFun.ChainID, "MANHATTAN_PREDICTFUN_CHAIN_ID")
	setStr(&cfg.PredictFun.ApiKey, "MANHATTAN_PREDICTFUN_API_KEY")
	setStr(&cfg.PredictFun.ExchangeContract, "MANHATTAN_PREDICTFUN_EXCHANGE_CONTRACT")

	setBool(&cfg.Paper.Enabled, "MANHATTAN_PAPER_ENABLED")
	setFloat64(&cfg.Paper.Cash, "MANHATTAN_PAPER_CASH")

	setFloat64(&cfg.Transport.RequestsPerSec, "MANHATTAN_TRANSPORT_REQUESTS_PER_SEC")
	setInt(&cfg.Transport.Burst, "MANHATTAN_TRANSPORT_BURST")
	setInt(&cfg.Transport.MaxRetries, "MANHATTAN_TRANSPORT_MAX_RETRIES")
	setDuration(&cfg.Transport.Timeout, "MANHATTAN_TRANSPORT_TIMEOUT")

	setInt(&cfg.Engine.Capacity, "MANHATTAN_ENGINE_CAPACITY")

	setStr(&cfg.Notify.TelegramToken, "MANHATTAN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MANHATTAN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MANHATTAN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MANHATTAN_NOTIFY_EVENTS")

	setStr(&cfg.LogLevel, "MANHATTAN_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
