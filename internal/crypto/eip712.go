package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/guzus/dr-manhattan/internal/domain"
)

// Signature types understood by CTF-exchange style venues.
const (
	SigTypeEOA        = 0
	SigTypeProxy      = 1
	SigTypeGnosisSafe = 2
)

// Pre-computed keccak256 of the canonical EIP-712 type strings.
var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// ClobAuth(address address,uint256 timestamp,uint256 nonce,string message)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,uint256 timestamp,uint256 nonce,string message)"),
	)

	// Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// baseUnits is the fixed-point scale (1e6) shared by collateral and outcome
// tokens on the supported venues.
var baseUnits = decimal.New(1, 6)

// OrderPayload holds the twelve EIP-712 Order fields. Addresses and large
// integers stay strings to survive JSON round trips without precision loss.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"` // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"`
}

// OrderSigner signs structured-data orders: the signature itself is the
// authorization, there is no separate bearer token.
type OrderSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	funder     common.Address // order maker; equals address for EOA signing
	chainID    int
	sigType    int
}

// NewOrderSigner builds an OrderSigner from a key-pair or multi-sig
// credential. Multi-sig credentials sign on behalf of the delegated funder
// wallet.
func NewOrderSigner(cred domain.VenueCredential) (*OrderSigner, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}

	var (
		keyHex  string
		funder  string
		chainID int
		sigType int
	)
	switch c := cred.(type) {
	case domain.KeyPairCredential:
		if c.PrivateKeyHex == "" {
			return nil, &domain.MissingCredentialError{Field: "private_key"}
		}
		keyHex, chainID, sigType = c.PrivateKeyHex, c.ChainID, SigTypeEOA
	case domain.MultiSigCredential:
		keyHex, funder, chainID, sigType = c.PrivateKeyHex, c.FunderAddress, c.ChainID, c.SignatureType
	default:
		return nil, fmt.Errorf("crypto: credential %T cannot sign orders: %w", cred, domain.ErrNotSupported)
	}

	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", domain.ErrAuthentication)
	}

	s := &OrderSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		sigType:    sigType,
	}
	if funder != "" {
		s.funder = common.HexToAddress(funder)
	} else {
		s.funder = s.address
	}
	return s, nil
}

// Address returns the signing address derived from the private key.
func (s *OrderSigner) Address() common.Address { return s.address }

// Maker returns the order maker: the funder wallet for multi-sig
// credentials, otherwise the signing address.
func (s *OrderSigner) Maker() common.Address { return s.funder }

// SignatureType returns the venue signature-type discriminator.
func (s *OrderSigner) SignatureType() int { return s.sigType }

// BuildOrderPayload converts a domain order into the integer amounts the
// exchange contract expects. Buys spend collateral for outcome tokens;
// sells the reverse. Decimal arithmetic avoids float rounding drift in the
// signed amounts.
func (s *OrderSigner) BuildOrderPayload(order domain.Order) (OrderPayload, error) {
	if order.TokenID == "" {
		return OrderPayload{}, fmt.Errorf("%w: order %s has no token id", domain.ErrInvalidOrder, order.ID)
	}

	price := decimal.NewFromFloat(order.Price)
	size := decimal.NewFromFloat(order.Size)
	shares := size.Mul(baseUnits).Truncate(0)
	collateral := price.Mul(size).Mul(baseUnits).Truncate(0)

	var makerAmt, takerAmt decimal.Decimal
	var side int
	if order.Side == domain.OrderSideBuy {
		side = 0
		makerAmt, takerAmt = collateral, shares
	} else {
		side = 1
		makerAmt, takerAmt = shares, collateral
	}

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return OrderPayload{}, fmt.Errorf("crypto: salt: %w", err)
	}

	return OrderPayload{
		Salt:          salt.String(),
		Maker:         s.funder.Hex(),
		Signer:        s.address.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: s.sigType,
	}, nil
}

// SignOrder hashes the payload against the exchange contract's EIP-712
// domain and signs the digest. Returns a 65-byte hex signature.
func (s *OrderSigner) SignOrder(payload OrderPayload, domainName, version, verifyingContract string) (string, error) {
	domainSep := s.domainSeparator(domainName, version, verifyingContract)

	structHash, err := orderStructHash(payload)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Digest(domainSep, structHash))
}

// SignAuth signs a ClobAuth message used to derive an HMAC API key from a
// structured-data venue.
func (s *OrderSigner) SignAuth(timestamp, nonce int64, domainName, version, message string) (string, error) {
	domainSep := s.domainSeparator(domainName, version, "")

	structHash := ethcrypto.Keccak256(concat(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		uint256Bytes(big.NewInt(timestamp)),
		uint256Bytes(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(message)),
	))
	return s.signDigest(eip712Digest(domainSep, structHash))
}

func (s *OrderSigner) domainSeparator(name, version, verifyingContract string) []byte {
	parts := [][]byte{
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		uint256Bytes(big.NewInt(int64(s.chainID))),
	}
	if verifyingContract != "" {
		parts = append(parts, common.LeftPadBytes(common.HexToAddress(verifyingContract).Bytes(), 32))
	} else {
		// Auth domains omit the verifying contract; re-hash the canonical
		// type string without it.
		parts[0] = ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	}
	return ethcrypto.Keccak256(concat(parts...))
}

// signDigest signs a 32-byte digest and returns r||s||v hex with v in
// {27,28} as EIP-712 verifiers expect.
func (s *OrderSigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: %w: %v", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// eip712Digest is keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Digest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concat([]byte{0x19, 0x01}, domainSep, structHash))
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	nums := make(map[string]*big.Int, 7)
	for name, raw := range map[string]string{
		"salt":        o.Salt,
		"tokenId":     o.TokenID,
		"makerAmount": o.MakerAmount,
		"takerAmount": o.TakerAmount,
		"expiration":  o.Expiration,
		"nonce":       o.Nonce,
		"feeRateBps":  o.FeeRateBps,
	} {
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("crypto: invalid %s %q: %w", name, raw, domain.ErrSigningFailed)
		}
		nums[name] = n
	}

	return ethcrypto.Keccak256(concat(
		orderTypeHash,
		uint256Bytes(nums["salt"]),
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		uint256Bytes(nums["tokenId"]),
		uint256Bytes(nums["makerAmount"]),
		uint256Bytes(nums["takerAmount"]),
		uint256Bytes(nums["expiration"]),
		uint256Bytes(nums["nonce"]),
		uint256Bytes(nums["feeRateBps"]),
		uint256Bytes(big.NewInt(int64(o.Side))),
		uint256Bytes(big.NewInt(int64(o.SignatureType))),
	)), nil
}

func uint256Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concat(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
