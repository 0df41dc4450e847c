// Package crypto implements the auth signer layer: given a VenueCredential
// and a canonical request description, it produces the bytes or headers a
// venue requires. Three schemes coexist behind one interface — structured-data
// (EIP-712) order signing, timestamped RSA-PSS signature headers, and a
// pre-shared HMAC key/secret/passphrase triple. Signing is pure given fixed
// inputs aside from time-based nonces, and signing failures are always fatal:
// bad credentials do not become valid on retry.
package crypto

import (
	"fmt"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// RequestSigner produces the authentication headers for one canonical
// request, described as timestamp-implicit method+path+body.
type RequestSigner interface {
	// SignRequest returns the headers to attach. body is the exact JSON that
	// will be sent, or empty for body-less requests.
	SignRequest(method, path, body string) (map[string]string, error)
}

// NewRequestSigner builds the signer for a credential by switching on the
// credential variant, never on a venue name.
func NewRequestSigner(cred domain.VenueCredential) (RequestSigner, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	switch c := cred.(type) {
	case domain.KeyPairCredential:
		if len(c.RSAKeyPEM) > 0 {
			return NewRSASigner(c.KeyID, c.RSAKeyPEM)
		}
		return nil, fmt.Errorf("crypto: secp256k1 key pairs sign orders, not requests: %w", domain.ErrNotSupported)
	case domain.APIKeyCredential:
		return NewHMACSigner(c)
	case domain.MultiSigCredential:
		return nil, fmt.Errorf("crypto: multi-sig credentials sign orders, not requests: %w", domain.ErrNotSupported)
	default:
		return nil, fmt.Errorf("crypto: unknown credential variant %T", cred)
	}
}
