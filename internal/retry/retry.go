// Package retry re-sends upstream requests that fail with transient statuses
// or transport errors, with exponential backoff.
package retry

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Config controls transport-level retries.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	RetryableStatuses []int
	// MaxRetryAfter caps how long a Retry-After header may stall a request.
	MaxRetryAfter time.Duration
}

// DefaultConfig retries twice from 500ms on rate limiting and gateway errors.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		RetryableStatuses: []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		MaxRetryAfter:     30 * time.Second,
	}
}

// Doer sends HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

var errRetryableStatus = errors.New("retry: retryable status")

// IsRetryable reports whether status is in cfg's retryable set.
func IsRetryable(status int, cfg Config) bool {
	return slices.Contains(cfg.RetryableStatuses, status)
}

// FetchWithRetry sends the request built by newReq, re-sending it while the
// response status is retryable or the transport fails. newReq is called once
// per attempt so each attempt gets a fresh body. After the last attempt the
// final response is returned as-is, whatever its status.
func FetchWithRetry(ctx context.Context, client Doer, newReq func(context.Context) (*http.Request, error), cfg Config) (*http.Response, error) {
	var last *http.Response
	var retryAfter time.Duration

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	base := goretry.NewExponential(cfg.BaseDelay)
	backoff := goretry.WithMaxRetries(uint64(max(cfg.MaxRetries, 0)), goretry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := base.Next()
		if retryAfter > 0 {
			next, retryAfter = retryAfter, 0
		}
		return next, stop
	}))

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		if last != nil {
			last.Body.Close()
			last = nil
		}

		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return goretry.RetryableError(err)
		}
		if IsRetryable(resp.StatusCode, cfg) {
			last = resp
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), cfg.MaxRetryAfter)
			return goretry.RetryableError(errRetryableStatus)
		}
		last = resp
		return nil
	})

	if errors.Is(err, errRetryableStatus) || (err == nil && last != nil) {
		return last, nil
	}
	if last != nil {
		last.Body.Close()
	}
	return nil, err
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, limit time.Duration) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d < 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
