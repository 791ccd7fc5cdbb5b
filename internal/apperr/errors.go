// Package apperr defines the error kinds the proxy distinguishes. Every kind
// carries a stable machine-readable type tag that is written to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Type tags written in the "type" field of error responses.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeProvider          = "provider_error"
	TypeProxy             = "proxy_error"
	TypeInsufficientFunds = "insufficient_funds"
	TypeEmptyWallet       = "empty_wallet"
	TypeRPC               = "rpc_error"
	TypeNotFound          = "not_found"
	TypeRateLimit         = "rate_limit_error"
)

// Typed is implemented by every error kind in this package.
type Typed interface {
	error
	Type() string
	StatusCode() int
}

// ClientError is a malformed client request. It is never retried.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string   { return e.Message }
func (e *ClientError) Type() string    { return TypeInvalidRequest }
func (e *ClientError) StatusCode() int { return http.StatusBadRequest }

// ProviderError is a model-level rejection from the upstream. It triggers
// fallback for auto-routed requests only.
type ProviderError struct {
	Model  string
	Status int
	// Body is the upstream response body, relayed verbatim when the chain is exhausted.
	Body    []byte
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error from %s (status %d): %s", e.Model, e.Status, e.Message)
}
func (e *ProviderError) Type() string { return TypeProvider }
func (e *ProviderError) StatusCode() int {
	if e.Status >= 400 {
		return e.Status
	}
	return http.StatusBadGateway
}

// ProxyError is a transport failure talking to the upstream. It never
// triggers model fallback.
type ProxyError struct {
	Op  string
	Err error
}

func (e *ProxyError) Error() string   { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProxyError) Unwrap() error   { return e.Err }
func (e *ProxyError) Type() string    { return TypeProxy }
func (e *ProxyError) StatusCode() int { return http.StatusBadGateway }

// InsufficientFundsError means the wallet holds less than a request needs.
type InsufficientFundsError struct {
	CurrentBalanceUSD string
	RequiredUSD       string
	WalletAddress     string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("Insufficient USDC balance. Current: %s, Required: %s. Fund wallet: %s",
		e.CurrentBalanceUSD, e.RequiredUSD, e.WalletAddress)
}
func (e *InsufficientFundsError) Type() string    { return TypeInsufficientFunds }
func (e *InsufficientFundsError) StatusCode() int { return http.StatusPaymentRequired }

// EmptyWalletError means the wallet holds effectively no USDC.
type EmptyWalletError struct {
	WalletAddress string
}

func (e *EmptyWalletError) Error() string {
	return "No USDC balance. Fund wallet to use ClawRouter: " + e.WalletAddress
}
func (e *EmptyWalletError) Type() string    { return TypeEmptyWallet }
func (e *EmptyWalletError) StatusCode() int { return http.StatusPaymentRequired }

// RpcError is a failed balance query. Callers log it and keep proxying.
type RpcError struct {
	Message string
	Err     error
}

func (e *RpcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("RPC error: %s: %v", e.Message, e.Err)
	}
	return "RPC error: " + e.Message
}
func (e *RpcError) Unwrap() error   { return e.Err }
func (e *RpcError) Type() string    { return TypeRPC }
func (e *RpcError) StatusCode() int { return http.StatusBadGateway }

func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

func IsEmptyWallet(err error) bool {
	var target *EmptyWalletError
	return errors.As(err, &target)
}

// IsBalanceError reports whether err is either wallet-funding error.
func IsBalanceError(err error) bool {
	return IsInsufficientFunds(err) || IsEmptyWallet(err)
}

func IsRpcError(err error) bool {
	var target *RpcError
	return errors.As(err, &target)
}

func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// TypeOf returns err's type tag, or TypeProxy for untyped errors.
func TypeOf(err error) string {
	var typed Typed
	if errors.As(err, &typed) {
		return typed.Type()
	}
	return TypeProxy
}

// StatusOf returns the HTTP status err maps to, or 502 for untyped errors.
func StatusOf(err error) int {
	var typed Typed
	if errors.As(err, &typed) {
		return typed.StatusCode()
	}
	return http.StatusBadGateway
}
