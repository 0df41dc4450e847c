package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// RSASigner implements RequestSigner for venues that authenticate each
// request with an RSA-PSS signature over timestamp+method+path.
type RSASigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewRSASigner parses the PEM private key and returns a signer. Accepts
// PKCS#8 and PKCS#1 encodings.
func NewRSASigner(keyID string, keyPEM []byte) (*RSASigner, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block in RSA key: %w", domain.ErrAuthentication)
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("crypto: PEM key is not RSA: %w", domain.ErrAuthentication)
		}
		key = rsaKey
	} else if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else {
		return nil, fmt.Errorf("crypto: cannot parse RSA private key: %w", domain.ErrAuthentication)
	}

	return &RSASigner{keyID: keyID, key: key}, nil
}

// SignRequest signs the current-time message for method+path. The request
// body is not part of the signed message on this scheme.
func (s *RSASigner) SignRequest(method, path, _ string) (map[string]string, error) {
	return s.signAt(method, path, time.Now())
}

// signAt is the deterministic-timestamp variant used by tests.
func (s *RSASigner) signAt(method, path string, at time.Time) (map[string]string, error) {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	msg := []byte(ts + method + path)
	digest := sha256.Sum256(msg)

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", domain.ErrSigningFailed, err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": ts,
	}, nil
}
