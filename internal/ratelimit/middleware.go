package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/clawrouter/internal/httputil"
	"github.com/af-corp/clawrouter/internal/telemetry"
)

const (
	headerLimit     = "X-RateLimit-Limit-Requests"
	headerRemaining = "X-RateLimit-Remaining-Requests"
	headerReset     = "X-RateLimit-Reset-Requests"
	headerRetry     = "Retry-After"
)

// Middleware limits each client address to rpm requests per minute.
// requestID extracts the id assigned by the proxy's own middleware.
func Middleware(limiter *Limiter, rpm int, metrics *telemetry.Metrics, requestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || rpm <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			res := limiter.Check(r.Context(), client, int64(rpm), time.Minute)

			w.Header().Set(headerLimit, strconv.Itoa(rpm))
			w.Header().Set(headerRemaining, strconv.FormatInt(res.Remaining, 10))
			w.Header().Set(headerReset, res.ResetAt.UTC().Format(time.RFC3339))

			if !res.Allowed {
				reqID := requestID(r)
				slog.Warn("rate limit exceeded", "request_id", reqID, "client", client, "limit", rpm)
				if metrics != nil {
					metrics.RecordRateLimitHit()
				}
				w.Header().Set(headerRetry, strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute", rpm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
