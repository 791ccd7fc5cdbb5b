package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/retry"
)

// maxTermsBody caps how much of a 402 body is read when looking for terms.
const maxTermsBody = 64 << 10

// PaymentEvent describes a payment the upstream accepted.
type PaymentEvent struct {
	Model   string
	Amount  string
	Network string
}

// PreAuthParams lets a caller sign an estimate up front when terms for the
// path are already cached.
type PreAuthParams struct {
	// EstimatedAmount in base units. Empty means sign the cached maximum.
	EstimatedAmount string
}

// Request is an upstream call that may need payment. Body is replayed on
// every attempt.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Model   string
	PreAuth *PreAuthParams
}

// Client sends requests upstream and answers 402 challenges by signing.
type Client struct {
	doer      retry.Doer
	signer    *Signer
	cache     Cache
	retry     retry.Config
	logger    *slog.Logger
	onPayment func(PaymentEvent)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithCache(c Cache) ClientOption { return func(cl *Client) { cl.cache = c } }

func WithRetry(cfg retry.Config) ClientOption { return func(cl *Client) { cl.retry = cfg } }

func WithLogger(l *slog.Logger) ClientOption { return func(cl *Client) { cl.logger = l } }

// WithOnPayment registers a callback fired after each accepted payment.
func WithOnPayment(fn func(PaymentEvent)) ClientOption {
	return func(cl *Client) { cl.onPayment = fn }
}

func NewClient(doer retry.Doer, signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		doer:   doer,
		signer: signer,
		cache:  NewMemoryCache(DefaultCacheTTL),
		retry:  retry.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache exposes the requirement cache so callers can clear it.
func (c *Client) Cache() Cache {
	return c.cache
}

// Do sends req, negotiating payment if the upstream asks for it. A non-402
// response is returned as-is for the caller to interpret. Transport failures
// and payment failures come back as *apperr.ProxyError.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	path := cacheKey(req.URL)

	var terms *PaymentRequired
	if cached, ok := c.cache.Get(ctx, path); ok {
		amount := cached.Requirements.MaxAmount()
		if req.PreAuth != nil && req.PreAuth.EstimatedAmount != "" {
			amount = req.PreAuth.EstimatedAmount
		}
		resp, err := c.sendPaid(ctx, req, cached.X402Version, cached.Requirements, amount)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			c.paid(ctx, req, resp, path, cached.X402Version, cached.Requirements, amount)
			return resp, nil
		}
		c.logger.Debug("cached payment terms rejected, renegotiating", "path", path)
		c.cache.Invalidate(ctx, path)
		terms, err = readTerms(resp)
		if err != nil {
			return nil, &apperr.ProxyError{Op: "payment negotiation", Err: err}
		}
	} else {
		resp, err := c.send(ctx, req, "", "")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		terms, err = readTerms(resp)
		if err != nil {
			return nil, &apperr.ProxyError{Op: "payment negotiation", Err: err}
		}
	}

	// One signed attempt, then one more with whatever terms the rejection
	// carried.
	for attempt := 0; attempt < 2; attempt++ {
		chosen, err := terms.Select()
		if err != nil {
			return nil, &apperr.ProxyError{Op: "payment negotiation", Err: err}
		}
		amount := chosen.MaxAmount()
		resp, err := c.sendPaid(ctx, req, terms.X402Version, chosen, amount)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			c.paid(ctx, req, resp, path, terms.X402Version, chosen, amount)
			return resp, nil
		}
		fresh, err := readTerms(resp)
		c.logger.Warn("payment rejected by upstream", "path", path, "attempt", attempt+1)
		if err != nil {
			break
		}
		terms = fresh
	}
	return nil, &apperr.ProxyError{Op: "payment", Err: ErrPaymentRejected}
}

func (c *Client) sendPaid(ctx context.Context, req *Request, version int, r Requirements, amount string) (*http.Response, error) {
	name, value, err := c.signer.Sign(version, r, amount)
	if err != nil {
		return nil, &apperr.ProxyError{Op: "sign payment", Err: err}
	}
	return c.send(ctx, req, name, value)
}

func (c *Client) send(ctx context.Context, req *Request, header, value string) (*http.Response, error) {
	resp, err := retry.FetchWithRetry(ctx, c.doer, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		for k, vs := range req.Header {
			hr.Header[k] = append([]string(nil), vs...)
		}
		if header != "" {
			hr.Header.Set(header, value)
		}
		return hr, nil
	}, c.retry)
	if err != nil {
		return nil, &apperr.ProxyError{Op: "upstream request", Err: err}
	}
	return resp, nil
}

// paid records terms the upstream did not reject. The callback only fires
// for successful responses since failed calls are not settled.
func (c *Client) paid(ctx context.Context, req *Request, resp *http.Response, path string, version int, r Requirements, amount string) {
	c.cache.Set(ctx, path, CachedParams{X402Version: version, Requirements: r})
	if c.onPayment != nil && resp.StatusCode < http.StatusBadRequest {
		c.onPayment(PaymentEvent{Model: req.Model, Amount: amount, Network: r.Network})
	}
}

// readTerms drains and closes a 402 response and parses its terms.
func readTerms(resp *http.Response) (*PaymentRequired, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTermsBody))
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}
	return ParsePaymentRequired(resp.Header, body)
}

// cacheKey reduces a URL to its path so terms are shared across query strings.
func cacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}
