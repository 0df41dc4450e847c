package config

import (
	"fmt"
	"os"
	"time"

	"github.com/guzus/dr-manhattan/internal/crypto"
	"github.com/guzus/dr-manhattan/internal/domain"
	"github.com/guzus/dr-manhattan/internal/transport"
)

// OrderCredential resolves the wallet section into the signing credential
// for structured-data order venues: a plain key pair, or a multi-sig
// credential when a funder address delegates the wallet.
func (c WalletConfig) OrderCredential(chainID int) (domain.VenueCredential, error) {
	keyHex := c.PrivateKey
	if keyHex == "" && c.EncryptedKeyPath != "" {
		loaded, err := crypto.LoadEncryptedKey(c.EncryptedKeyPath, c.KeyPassword)
		if err != nil {
			return nil, fmt.Errorf("config: decrypt wallet key: %w", err)
		}
		keyHex = loaded
	}
	if keyHex == "" {
		return nil, &domain.MissingCredentialError{Field: "private_key"}
	}

	if c.FunderAddress != "" {
		return domain.MultiSigCredential{
			PrivateKeyHex: keyHex,
			FunderAddress: c.FunderAddress,
			ChainID:       chainID,
			SignatureType: c.SignatureType,
		}, nil
	}
	return domain.KeyPairCredential{PrivateKeyHex: keyHex, ChainID: chainID}, nil
}

// APICredential returns the pre-derived Polymarket L2 credential, or nil
// when the adapter should derive one from the order credential.
func (c PolymarketConfig) APICredential() *domain.APIKeyCredential {
	if c.ApiKey == "" {
		return nil
	}
	return &domain.APIKeyCredential{
		Key:        c.ApiKey,
		Secret:     c.ApiSecret,
		Passphrase: c.ApiPassphrase,
	}
}

// Credential loads the Kalshi RSA key from disk.
func (c KalshiConfig) Credential() (domain.KeyPairCredential, error) {
	if c.ApiKeyID == "" {
		return domain.KeyPairCredential{}, &domain.MissingCredentialError{Field: "api_key_id"}
	}
	pem, err := os.ReadFile(c.RsaPrivateKeyPath)
	if err != nil {
		return domain.KeyPairCredential{}, fmt.Errorf("config: read kalshi key: %w", err)
	}
	return domain.KeyPairCredential{KeyID: c.ApiKeyID, RSAKeyPEM: pem}, nil
}

// ClientConfig maps the shared transport section onto one venue base URL.
func (c TransportConfig) ClientConfig(baseURL string) transport.Config {
	return transport.Config{
		BaseURL:        baseURL,
		RequestsPerSec: c.RequestsPerSec,
		Burst:          c.Burst,
		MaxRetries:     c.MaxRetries,
		RetryMinDelay:  c.RetryMinDelay.Duration,
		RetryMaxDelay:  c.RetryMaxDelay.Duration,
		Timeout:        c.Timeout.Duration,
	}
}

// Interval returns the configured tick interval or zero for the engine
// default.
func (s SessionConfig) Interval() time.Duration {
	return s.TickInterval.Duration
}
