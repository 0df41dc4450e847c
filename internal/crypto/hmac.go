package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// HMACSigner implements RequestSigner for the key/secret/passphrase scheme.
// The shared secret is base64url-encoded at rest and decoded before use.
type HMACSigner struct {
	key        string
	secret     []byte
	passphrase string
}

// NewHMACSigner decodes the credential secret and returns a signer.
func NewHMACSigner(cred domain.APIKeyCredential) (*HMACSigner, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	secret, err := base64.URLEncoding.DecodeString(cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode HMAC secret: %w", domain.ErrAuthentication)
	}
	return &HMACSigner{key: cred.Key, secret: secret, passphrase: cred.Passphrase}, nil
}

// SignRequest signs ts+method+path+body with the shared secret and returns
// the venue auth headers.
func (s *HMACSigner) SignRequest(method, path, body string) (map[string]string, error) {
	return s.signAt(method, path, body, time.Now().Unix())
}

// signAt is the deterministic-timestamp variant used by tests.
func (s *HMACSigner) signAt(method, path, body string, unixTS int64) (map[string]string, error) {
	ts := strconv.FormatInt(unixTS, 10)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_API_KEY":    s.key,
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": s.passphrase,
	}, nil
}

// String never exposes the secret.
func (s *HMACSigner) String() string {
	return fmt.Sprintf("HMACSigner(key=%s****)", firstN(s.key, 4))
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
