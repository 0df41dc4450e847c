package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyfileIterations = 480_000
	keyfileKeyLen     = 32
	keyfileSaltLen    = 16
)

// keyfileEnvelope is the on-disk format for passphrase-encrypted private
// keys. All fields are hex-encoded.
type keyfileEnvelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SaveEncryptedKey writes the hex private key to path, encrypted with
// AES-256-GCM under a PBKDF2-derived key. The file is created 0600.
func SaveEncryptedKey(path, privateKeyHex, passphrase string) error {
	salt := make([]byte, keyfileSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("crypto: keyfile salt: %w", err)
	}

	gcm, err := newKeyfileGCM(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("crypto: keyfile nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, []byte(strings.TrimPrefix(privateKeyHex, "0x")), nil)
	data, err := json.MarshalIndent(keyfileEnvelope{
		Version:    1,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ct),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: keyfile encode: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadEncryptedKey reads and decrypts a key file written by
// SaveEncryptedKey, returning the hex private key.
func LoadEncryptedKey(path, passphrase string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("crypto: read keyfile: %w", err)
	}

	var env keyfileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("crypto: parse keyfile: %w", err)
	}
	if env.Version != 1 {
		return "", fmt.Errorf("crypto: unsupported keyfile version %d", env.Version)
	}

	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile salt: %w", err)
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile nonce: %w", err)
	}
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile ciphertext: %w", err)
	}

	gcm, err := newKeyfileGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: keyfile decrypt (wrong passphrase?): %w", err)
	}
	return string(pt), nil
}

func newKeyfileGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, keyfileIterations, keyfileKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: keyfile cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: keyfile gcm: %w", err)
	}
	return gcm, nil
}
