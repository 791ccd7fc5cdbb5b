package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/af-corp/clawrouter/internal/apperr"
)

// APIError matches the OpenAI error response format.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	writeBody(w, requestID, statusCode, APIErrorBody{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: requestID,
	})
}

func writeBody(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Error: body})
}

// AppErrorBody builds the error body for err using its type tag.
func AppErrorBody(requestID string, err error) APIErrorBody {
	body := APIErrorBody{
		Message:   err.Error(),
		Type:      apperr.TypeOf(err),
		RequestID: requestID,
	}
	switch e := err.(type) {
	case *apperr.InsufficientFundsError:
		body.Wallet = e.WalletAddress
	case *apperr.EmptyWalletError:
		body.Wallet = e.WalletAddress
	}
	return body
}

// WriteAppError writes err using its type tag and status. Untyped errors are
// reported as proxy errors.
func WriteAppError(w http.ResponseWriter, requestID string, err error) {
	writeBody(w, requestID, apperr.StatusOf(err), AppErrorBody(requestID, err))
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, apperr.TypeInvalidRequest, "invalid_request", message)
}

func WriteProxyError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, apperr.TypeProxy, "upstream_unreachable", message)
}

func WriteProviderError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, apperr.TypeProvider, "fallback_exhausted", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, apperr.TypeRateLimit, "rate_limit_exceeded", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, apperr.TypeNotFound, "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
