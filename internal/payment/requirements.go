// Package payment implements the client side of the x402 payment protocol:
// an upstream answers 402 with price terms, the client signs an EIP-3009
// USDC transfer authorization over them and re-sends the request with the
// signed payload attached.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Header names used by protocol versions 1 and 2.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderXPayment         = "X-PAYMENT"
)

// SchemeExact is the only scheme this client signs.
const SchemeExact = "exact"

var (
	ErrNoTerms            = errors.New("payment: 402 response carried no payment terms")
	ErrUnsupportedTerms   = errors.New("payment: no supported scheme/network in payment terms")
	ErrMalformedTerms     = errors.New("payment: malformed payment terms")
	ErrPaymentRejected    = errors.New("payment: upstream rejected payment")
	ErrUnsupportedNetwork = errors.New("payment: unsupported network")
)

// Extra carries the token's EIP-712 domain name and version.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Requirements is one acceptable way to pay, as offered by the upstream.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount,omitempty"`
	MaxAmountRequired string `json:"maxAmountRequired,omitempty"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	Extra             *Extra `json:"extra,omitempty"`
}

// MaxAmount returns the amount in the asset's base units (micro-USDC).
func (r Requirements) MaxAmount() string {
	if r.Amount != "" {
		return r.Amount
	}
	return r.MaxAmountRequired
}

// PaymentRequired is the decoded body of a 402 response.
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error,omitempty"`
	Accepts     []Requirements `json:"accepts"`
}

// ParsePaymentRequired decodes payment terms from a 402 response. Version 2
// upstreams send them base64-encoded in the PAYMENT-REQUIRED header; version
// 1 upstreams send them as the JSON body.
func ParsePaymentRequired(h http.Header, body []byte) (*PaymentRequired, error) {
	var pr PaymentRequired

	if raw := h.Get(HeaderPaymentRequired); raw != "" {
		decoded, err := decodeBase64(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrMalformedTerms, err)
		}
		if err := json.Unmarshal(decoded, &pr); err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrMalformedTerms, err)
		}
	} else if len(body) > 0 {
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformedTerms, err)
		}
	}

	if len(pr.Accepts) == 0 {
		return nil, ErrNoTerms
	}
	if pr.X402Version == 0 {
		pr.X402Version = 1
	}
	return &pr, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Select returns the first exact-scheme requirement on a supported network.
func (pr *PaymentRequired) Select() (Requirements, error) {
	for _, r := range pr.Accepts {
		if r.Scheme != SchemeExact {
			continue
		}
		if _, err := ChainID(r.Network); err != nil {
			continue
		}
		if r.MaxAmount() == "" || r.PayTo == "" || r.Asset == "" {
			continue
		}
		return r, nil
	}
	return Requirements{}, ErrUnsupportedTerms
}

// ChainID maps an x402 network identifier to an EVM chain id. Both CAIP-2
// ("eip155:8453") and legacy names ("base") are accepted.
func ChainID(network string) (int64, error) {
	switch strings.ToLower(network) {
	case "base":
		return 8453, nil
	case "base-sepolia":
		return 84532, nil
	}
	if rest, ok := strings.CutPrefix(network, "eip155:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
}
