package payment

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/af-corp/clawrouter/internal/wallet"
)

// Token domain defaults used when the terms omit extra.name/version.
const (
	defaultTokenName    = "USD Coin"
	defaultTokenVersion = "2"
)

// validAfterSkew backdates authorizations to tolerate clock drift.
const validAfterSkew = 600 * time.Second

const defaultTimeout = 300 * time.Second

var (
	domainTypeHash   = wallet.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	transferTypeHash = wallet.Keccak256([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

// Authorization is the EIP-3009 transfer authorization that gets signed.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Payload is the decoded value of the payment header.
type Payload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Accepted    *Requirements `json:"accepted,omitempty"`
	Payload     ExactPayload  `json:"payload"`
}

// Signer produces payment headers for a wallet.
type Signer struct {
	wallet *wallet.Wallet
	now    func() time.Time
	rand   io.Reader
}

func NewSigner(w *wallet.Wallet) *Signer {
	return &Signer{wallet: w, now: time.Now, rand: rand.Reader}
}

// Address returns the paying wallet's address.
func (s *Signer) Address() string {
	return s.wallet.Address()
}

// Sign authorizes a transfer of amount base units under req and returns the
// header name and value to attach for protocol version.
func (s *Signer) Sign(version int, req Requirements, amount string) (name, value string, err error) {
	p, err := s.Authorize(version, req, amount)
	if err != nil {
		return "", "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("encode payment payload: %w", err)
	}
	return HeaderName(version), base64.StdEncoding.EncodeToString(raw), nil
}

// HeaderName is the request header carrying the payment for version.
func HeaderName(version int) string {
	if version >= 2 {
		return HeaderPaymentSignature
	}
	return HeaderXPayment
}

// Authorize builds and signs the payload without encoding it.
func (s *Signer) Authorize(version int, req Requirements, amount string) (*Payload, error) {
	chainID, err := ChainID(req.Network)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 256 {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformedTerms, amount)
	}
	to, err := wallet.ParseAddress(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("%w: payTo: %v", ErrMalformedTerms, err)
	}
	asset, err := wallet.ParseAddress(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: asset: %v", ErrMalformedTerms, err)
	}

	var nonce [32]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := s.now()
	validAfter := now.Add(-validAfterSkew).Unix()
	validBefore := now.Add(timeout).Unix()

	name, ver := tokenDomain(req)

	from := s.wallet.AddressBytes()
	digest := typedDataHash(
		domainSeparator(name, ver, chainID, asset),
		transferStructHash(from, to, value, big.NewInt(validAfter), big.NewInt(validBefore), nonce),
	)
	sig := s.wallet.SignHash(digest)

	p := &Payload{
		X402Version: version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactPayload{
			Signature: "0x" + hex.EncodeToString(sig),
			Authorization: Authorization{
				From:        wallet.ChecksumAddress(from),
				To:          wallet.ChecksumAddress(to),
				Value:       value.String(),
				ValidAfter:  strconv.FormatInt(validAfter, 10),
				ValidBefore: strconv.FormatInt(validBefore, 10),
				Nonce:       "0x" + hex.EncodeToString(nonce[:]),
			},
		},
	}
	if version >= 2 {
		accepted := req
		p.Accepted = &accepted
	}
	return p, nil
}

// Digest recomputes the EIP-712 digest a payload's signature covers.
func Digest(p *Payload, req Requirements) ([32]byte, error) {
	var zero [32]byte
	chainID, err := ChainID(p.Network)
	if err != nil {
		return zero, err
	}
	a := p.Payload.Authorization
	from, err := wallet.ParseAddress(a.From)
	if err != nil {
		return zero, err
	}
	to, err := wallet.ParseAddress(a.To)
	if err != nil {
		return zero, err
	}
	asset, err := wallet.ParseAddress(req.Asset)
	if err != nil {
		return zero, err
	}
	nonceBytes, err := hex.DecodeString(trim0x(a.Nonce))
	if err != nil || len(nonceBytes) != 32 {
		return zero, fmt.Errorf("invalid nonce %q", a.Nonce)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	value, _ := new(big.Int).SetString(a.Value, 10)
	after, _ := new(big.Int).SetString(a.ValidAfter, 10)
	before, _ := new(big.Int).SetString(a.ValidBefore, 10)
	if value == nil || after == nil || before == nil || value.BitLen() > 256 {
		return zero, fmt.Errorf("invalid authorization numbers")
	}

	name, ver := tokenDomain(req)
	return typedDataHash(
		domainSeparator(name, ver, chainID, asset),
		transferStructHash(from, to, value, after, before, nonce),
	), nil
}

func tokenDomain(req Requirements) (name, version string) {
	name, version = defaultTokenName, defaultTokenVersion
	if req.Extra != nil {
		if req.Extra.Name != "" {
			name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			version = req.Extra.Version
		}
	}
	return name, version
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func domainSeparator(name, version string, chainID int64, verifyingContract [20]byte) [32]byte {
	nameHash := wallet.Keccak256([]byte(name))
	versionHash := wallet.Keccak256([]byte(version))
	chain := uint256(big.NewInt(chainID))
	contract := padAddress(verifyingContract)
	return wallet.Keccak256(domainTypeHash[:], nameHash[:], versionHash[:], chain[:], contract[:])
}

func transferStructHash(from, to [20]byte, value, validAfter, validBefore *big.Int, nonce [32]byte) [32]byte {
	f, t := padAddress(from), padAddress(to)
	v, a, b := uint256(value), uint256(validAfter), uint256(validBefore)
	return wallet.Keccak256(transferTypeHash[:], f[:], t[:], v[:], a[:], b[:], nonce[:])
}

func typedDataHash(domain, structHash [32]byte) [32]byte {
	return wallet.Keccak256([]byte{0x19, 0x01}, domain[:], structHash[:])
}

func uint256(n *big.Int) [32]byte {
	var out [32]byte
	n.FillBytes(out[:])
	return out
}

func padAddress(a [20]byte) [32]byte {
	var out [32]byte
	copy(out[12:], a[:])
	return out
}
