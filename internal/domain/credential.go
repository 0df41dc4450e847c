package domain

import "fmt"

// VenueCredential is a sealed sum type over the three authentication schemes
// the venues use. The Auth Signer switches on the concrete variant, never on
// a venue name. Credentials are used only by the signer layer and must never
// appear in Orders, Positions, or logs; every variant carries a redacting
// String method.
type VenueCredential interface {
	// Validate returns a MissingCredentialError naming the first missing
	// required field.
	Validate() error
	fmt.Stringer

	credential() // sealed
}

// KeyPairCredential authorizes via an asymmetric key: a hex-encoded
// secp256k1 key for structured-data (EIP-712) order signing, or a PEM RSA
// key for timestamped signature headers. Exactly one of the two is set.
type KeyPairCredential struct {
	PrivateKeyHex string // secp256k1, with or without 0x prefix
	RSAKeyPEM     []byte // PKCS#8 or PKCS#1 PEM block
	KeyID         string // venue-issued key identifier (RSA scheme)
	ChainID       int    // EIP-712 domain chain id (secp256k1 scheme)
}

func (c KeyPairCredential) credential() {}

func (c KeyPairCredential) Validate() error {
	if c.PrivateKeyHex == "" && len(c.RSAKeyPEM) == 0 {
		return &MissingCredentialError{Field: "private_key"}
	}
	if len(c.RSAKeyPEM) > 0 && c.KeyID == "" {
		return &MissingCredentialError{Field: "key_id"}
	}
	return nil
}

func (c KeyPairCredential) String() string {
	if len(c.RSAKeyPEM) > 0 {
		return fmt.Sprintf("KeyPair{rsa, key_id=%s}", redact(c.KeyID))
	}
	return fmt.Sprintf("KeyPair{secp256k1, key=%s, chain=%d}", redact(c.PrivateKeyHex), c.ChainID)
}

// APIKeyCredential is the pre-shared key/secret/passphrase triple used for
// HMAC-signed request headers.
type APIKeyCredential struct {
	Key        string
	Secret     string // base64 for venues that issue decoded-secret HMAC keys
	Passphrase string
}

func (c APIKeyCredential) credential() {}

func (c APIKeyCredential) Validate() error {
	switch {
	case c.Key == "":
		return &MissingCredentialError{Field: "api_key"}
	case c.Secret == "":
		return &MissingCredentialError{Field: "api_secret"}
	case c.Passphrase == "":
		return &MissingCredentialError{Field: "api_passphrase"}
	}
	return nil
}

func (c APIKeyCredential) String() string {
	return fmt.Sprintf("APIKey{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}

// MultiSigCredential signs with a secp256k1 key on behalf of a delegated
// funder wallet (proxy or safe), the scheme Polymarket uses for
// smart-contract wallets.
type MultiSigCredential struct {
	PrivateKeyHex string
	FunderAddress string
	ChainID       int
	SignatureType int // 1 = proxy, 2 = gnosis safe
}

func (c MultiSigCredential) credential() {}

func (c MultiSigCredential) Validate() error {
	switch {
	case c.PrivateKeyHex == "":
		return &MissingCredentialError{Field: "private_key"}
	case c.FunderAddress == "":
		return &MissingCredentialError{Field: "funder_address"}
	}
	return nil
}

func (c MultiSigCredential) String() string {
	return fmt.Sprintf("MultiSig{key=%s, funder=%s, type=%d}", redact(c.PrivateKeyHex), c.FunderAddress, c.SignatureType)
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
