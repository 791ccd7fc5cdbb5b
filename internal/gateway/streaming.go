package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/dedup"
	"github.com/af-corp/clawrouter/internal/httputil"
)

// ModelHeader names the model that served a response.
const ModelHeader = "X-ClawRouter-Model"

const relayBufferSize = 32 << 10

// Headers that describe a single connection, not the response.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Transfer-Encoding":   true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
}

// responseWriter adapts an http.ResponseWriter to dedup.Writer and flushes
// after every write so streamed chunks reach the client as they arrive.
type responseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	status  int
	header  http.Header
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	flusher, _ := w.(http.Flusher)
	return &responseWriter{w: w, flusher: flusher}
}

func (rw *responseWriter) WriteHeader(status int, header http.Header) {
	if rw.status != 0 {
		return
	}
	dst := rw.w.Header()
	for k, vv := range header {
		// The proxy's own request id wins over the upstream's.
		if k == "X-Request-Id" && dst.Get("X-Request-ID") != "" {
			continue
		}
		dst[k] = vv
	}
	rw.status = status
	rw.header = header.Clone()
	rw.w.WriteHeader(status)
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.WriteHeader(http.StatusOK, nil)
	}
	n, err := rw.w.Write(p)
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
	return n, err
}

// Status returns the status written, zero if nothing was written.
func (rw *responseWriter) Status() int {
	return rw.status
}

// ServedModel returns the model that produced the response, if any.
func (rw *responseWriter) ServedModel() string {
	if rw.header == nil {
		return ""
	}
	return rw.header.Get(ModelHeader)
}

// relayHeader copies the upstream headers minus hop-by-hop and length
// headers; the body is re-framed for the client.
func relayHeader(src http.Header, model string) http.Header {
	out := make(http.Header, len(src)+1)
	for k, vv := range src {
		if hopByHop[k] || k == "Content-Length" {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	if model != "" {
		out.Set(ModelHeader, model)
	}
	return out
}

// relay streams resp to w chunk by chunk without buffering the full body.
// It returns when the upstream body ends or fails; a cancelled request
// context aborts the upstream read.
func relay(w dedup.Writer, resp *http.Response, model string) (int64, error) {
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode, relayHeader(resp.Header, model))

	var written int64
	buf := make([]byte, relayBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// writeRaw sends a fully read upstream body.
func writeRaw(w dedup.Writer, status int, header http.Header, body []byte, model string) {
	h := relayHeader(header, model)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status, h)
	w.Write(body)
}

// writeAppError writes an error response in the OpenAI envelope.
func writeAppError(w dedup.Writer, reqID string, err error) {
	body, _ := json.Marshal(httputil.APIError{Error: httputil.AppErrorBody(reqID, err)})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)+1))
	w.WriteHeader(apperr.StatusOf(err), h)
	w.Write(append(body, '\n'))
}
