package gateway

import (
	"io"
	"net/http"

	"github.com/af-corp/clawrouter/internal/httputil"
	"github.com/af-corp/clawrouter/internal/payment"
)

// Request headers never sent upstream.
var stripOutbound = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Upgrade":           true,
}

// Forward relays any other /v1/* request verbatim, paying when asked.
func (s *Server) Forward(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	header := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		if !stripOutbound[k] {
			header[k] = append([]string(nil), vv...)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	header.Set("X-Request-ID", reqID)

	target := s.upstream + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	resp, err := s.payments.Do(r.Context(), &payment.Request{
		Method: r.Method,
		URL:    target,
		Header: header,
		Body:   body,
	})
	if err != nil {
		s.logger.Warn("forward failed", "request_id", reqID, "path", r.URL.Path, "error", err)
		httputil.WriteAppError(w, reqID, err)
		return
	}

	rw := newResponseWriter(w)
	n, err := relay(rw, resp, "")
	if err != nil {
		s.logger.Warn("forward relay interrupted", "request_id", reqID, "path", r.URL.Path, "error", err)
	}
	s.logger.Info("request forwarded",
		"request_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"bytes", n,
	)
}
