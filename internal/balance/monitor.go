// Package balance reads the wallet's USDC balance from chain and classifies
// it against the empty and low thresholds.
package balance

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/wallet"
)

const (
	DefaultRPCURL = "https://mainnet.base.org"
	// USDCBase is the USDC contract on Base mainnet.
	USDCBase = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	// Thresholds in micro-USDC (6 decimals).
	DefaultLowThreshold  = 1_000_000
	DefaultZeroThreshold = 100
)

var balanceOfSelector = func() []byte {
	h := wallet.Keccak256([]byte("balanceOf(address)"))
	return h[:4]
}()

// Info is one balance reading. Balance is in micro-USDC.
type Info struct {
	Balance    *big.Int `json:"-"`
	BalanceUSD string   `json:"balance_usd"`
	IsEmpty    bool     `json:"is_empty"`
	IsLow      bool     `json:"is_low"`
	Wallet     string   `json:"wallet"`
}

// SufficiencyResult compares a reading against a required amount.
type SufficiencyResult struct {
	Sufficient bool
	Info       Info
	// Shortfall is "$X.XX" when insufficient, empty otherwise.
	Shortfall string
}

type Config struct {
	RPCURL        string
	TokenAddress  string
	Timeout       time.Duration
	LowThreshold  int64
	ZeroThreshold int64
}

// Monitor queries an ERC-20 balance over JSON-RPC. Every call reads chain
// state; nothing is cached.
type Monitor struct {
	client  *http.Client
	cfg     Config
	address string
	token   [20]byte
	id      atomic.Int64
}

func NewMonitor(cfg Config, address string, client *http.Client) (*Monitor, error) {
	if cfg.RPCURL == "" {
		cfg.RPCURL = DefaultRPCURL
	}
	if cfg.TokenAddress == "" {
		cfg.TokenAddress = USDCBase
	}
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = DefaultLowThreshold
	}
	if cfg.ZeroThreshold <= 0 {
		cfg.ZeroThreshold = DefaultZeroThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	token, err := wallet.ParseAddress(cfg.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("token address: %w", err)
	}
	if _, err := wallet.ParseAddress(address); err != nil {
		return nil, fmt.Errorf("wallet address: %w", err)
	}
	return &Monitor{client: client, cfg: cfg, address: address, token: token}, nil
}

// Address is the wallet being monitored.
func (m *Monitor) Address() string {
	return m.address
}

// CheckBalance reads the current balance. Failures are *apperr.RpcError.
func (m *Monitor) CheckBalance(ctx context.Context) (Info, error) {
	raw, err := m.balanceOf(ctx)
	if err != nil {
		return Info{}, err
	}
	return m.classify(raw), nil
}

// CheckSufficient reports whether the balance covers required micro-USDC.
func (m *Monitor) CheckSufficient(ctx context.Context, required *big.Int) (SufficiencyResult, error) {
	info, err := m.CheckBalance(ctx)
	if err != nil {
		return SufficiencyResult{}, err
	}
	res := SufficiencyResult{Info: info, Sufficient: info.Balance.Cmp(required) >= 0}
	if !res.Sufficient {
		res.Shortfall = FormatUSD(new(big.Int).Sub(required, info.Balance))
	}
	return res, nil
}

// Require returns a funding error when the wallet cannot pay required
// micro-USDC, and an *apperr.RpcError when the balance cannot be read.
func (m *Monitor) Require(ctx context.Context, required *big.Int) (Info, error) {
	res, err := m.CheckSufficient(ctx, required)
	if err != nil {
		return Info{}, err
	}
	if res.Info.IsEmpty {
		return res.Info, &apperr.EmptyWalletError{WalletAddress: m.address}
	}
	if !res.Sufficient {
		return res.Info, &apperr.InsufficientFundsError{
			CurrentBalanceUSD: res.Info.BalanceUSD,
			RequiredUSD:       FormatUSD(required),
			WalletAddress:     m.address,
		}
	}
	return res.Info, nil
}

func (m *Monitor) classify(raw *big.Int) Info {
	return Info{
		Balance:    raw,
		BalanceUSD: FormatUSD(raw),
		IsEmpty:    raw.Cmp(big.NewInt(m.cfg.ZeroThreshold)) < 0,
		IsLow:      raw.Cmp(big.NewInt(m.cfg.LowThreshold)) < 0,
		Wallet:     m.address,
	}
}

// FormatUSD renders micro-USDC as "$X.XX".
func FormatUSD(micro *big.Int) string {
	if micro == nil {
		return "$0.00"
	}
	r := new(big.Rat).SetFrac(micro, big.NewInt(1_000_000))
	return "$" + r.FloatString(2)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Monitor) balanceOf(ctx context.Context) (*big.Int, error) {
	holder, _ := wallet.ParseAddress(m.address)
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, make([]byte, 12)...)
	data = append(data, holder[:]...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      m.id.Add(1),
		Method:  "eth_call",
		Params: []any{
			map[string]string{
				"to":   wallet.ChecksumAddress(m.token),
				"data": "0x" + hex.EncodeToString(data),
			},
			"latest",
		},
	})
	if err != nil {
		return nil, &apperr.RpcError{Message: "encode request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, &apperr.RpcError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &apperr.RpcError{Message: "eth_call", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &apperr.RpcError{Message: fmt.Sprintf("eth_call: status %d", resp.StatusCode)}
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, &apperr.RpcError{Message: "decode response", Err: err}
	}
	if out.Error != nil {
		return nil, &apperr.RpcError{Message: fmt.Sprintf("eth_call: %s (code %d)", out.Error.Message, out.Error.Code)}
	}

	hexResult := strings.TrimPrefix(out.Result, "0x")
	if hexResult == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(hexResult, 16)
	if !ok {
		return nil, &apperr.RpcError{Message: fmt.Sprintf("eth_call: bad result %q", out.Result)}
	}
	return n, nil
}
