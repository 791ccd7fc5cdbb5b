package payment

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/retry"
	"github.com/af-corp/clawrouter/internal/wallet"
)

const (
	testKey   = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testPayTo = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	testAsset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

func testRequirements(amount string) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           "eip155:8453",
		Amount:            amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Extra:             &Extra{Name: "USD Coin", Version: "2"},
	}
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	w, err := wallet.FromHex(testKey)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	s := NewSigner(w)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func encodeTerms(t *testing.T, pr PaymentRequired) string {
	t.Helper()
	raw, err := json.Marshal(pr)
	if err != nil {
		t.Fatalf("marshal terms: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodePayload(t *testing.T, value string) *Payload {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return &p
}

func TestParsePaymentRequiredHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPaymentRequired, encodeTerms(t, PaymentRequired{
		X402Version: 2,
		Accepts:     []Requirements{testRequirements("2500")},
	}))

	pr, err := ParsePaymentRequired(h, nil)
	if err != nil {
		t.Fatalf("ParsePaymentRequired: %v", err)
	}
	if pr.X402Version != 2 {
		t.Errorf("expected version 2, got %d", pr.X402Version)
	}
	if len(pr.Accepts) != 1 {
		t.Fatalf("expected 1 option, got %d", len(pr.Accepts))
	}
	if got := pr.Accepts[0].MaxAmount(); got != "2500" {
		t.Errorf("expected amount 2500, got %s", got)
	}
}

func TestParsePaymentRequiredBody(t *testing.T) {
	body := `{"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"900","asset":"` + testAsset + `","payTo":"` + testPayTo + `"}]}`

	pr, err := ParsePaymentRequired(http.Header{}, []byte(body))
	if err != nil {
		t.Fatalf("ParsePaymentRequired: %v", err)
	}
	if pr.X402Version != 1 {
		t.Errorf("expected version to default to 1, got %d", pr.X402Version)
	}
	if got := pr.Accepts[0].MaxAmount(); got != "900" {
		t.Errorf("expected amount 900, got %s", got)
	}
}

func TestParsePaymentRequiredErrors(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPaymentRequired, "%%%")

	tests := []struct {
		name   string
		header http.Header
		body   string
		want   error
	}{
		{"nothing", http.Header{}, "", ErrNoTerms},
		{"empty accepts", http.Header{}, `{"accepts":[]}`, ErrNoTerms},
		{"bad body", http.Header{}, `not json`, ErrMalformedTerms},
		{"bad header", h, "", ErrMalformedTerms},
	}
	for _, tt := range tests {
		var body []byte
		if tt.body != "" {
			body = []byte(tt.body)
		}
		if _, err := ParsePaymentRequired(tt.header, body); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestSelectSkipsUnsupported(t *testing.T) {
	other := testRequirements("1")
	other.Scheme = "upto"
	solana := testRequirements("1")
	solana.Network = "solana"
	want := testRequirements("42")

	pr := &PaymentRequired{Accepts: []Requirements{other, solana, want}}
	got, err := pr.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Amount != "42" {
		t.Errorf("expected the supported option, got amount %s", got.Amount)
	}

	_, err = (&PaymentRequired{Accepts: []Requirements{other, solana}}).Select()
	if !errors.Is(err, ErrUnsupportedTerms) {
		t.Errorf("expected ErrUnsupportedTerms, got %v", err)
	}
}

func TestChainID(t *testing.T) {
	tests := []struct {
		network string
		want    int64
		wantErr bool
	}{
		{"eip155:8453", 8453, false},
		{"eip155:84532", 84532, false},
		{"base", 8453, false},
		{"Base-Sepolia", 84532, false},
		{"eip155:", 0, true},
		{"solana", 0, true},
	}
	for _, tt := range tests {
		got, err := ChainID(tt.network)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedNetwork) {
				t.Errorf("%s: expected ErrUnsupportedNetwork, got %v", tt.network, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.network, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.network, tt.want, got)
		}
	}
}

func TestSignRecoversWallet(t *testing.T) {
	s := testSigner(t)
	req := testRequirements("1500")

	name, value, err := s.Sign(2, req, "1500")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if name != HeaderPaymentSignature {
		t.Errorf("expected %s, got %s", HeaderPaymentSignature, name)
	}

	p := decodePayload(t, value)
	if p.X402Version != 2 || p.Scheme != SchemeExact {
		t.Errorf("expected v2 exact payload, got v%d %s", p.X402Version, p.Scheme)
	}
	if p.Accepted == nil {
		t.Fatal("expected accepted terms in a v2 payload")
	}
	if p.Accepted.PayTo != testPayTo {
		t.Errorf("expected payTo %s, got %s", testPayTo, p.Accepted.PayTo)
	}

	a := p.Payload.Authorization
	if a.From != s.Address() || a.To != testPayTo {
		t.Errorf("expected %s -> %s, got %s -> %s", s.Address(), testPayTo, a.From, a.To)
	}
	if a.Value != "1500" {
		t.Errorf("expected value 1500, got %s", a.Value)
	}
	if a.ValidAfter != "1699999400" || a.ValidBefore != "1700000060" {
		t.Errorf("unexpected validity window %s..%s", a.ValidAfter, a.ValidBefore)
	}
	if len(a.Nonce) != 66 {
		t.Errorf("expected 32-byte hex nonce, got %q", a.Nonce)
	}

	digest, err := Digest(p, req)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	sig, err := hexDecode(p.Payload.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	addr, err := wallet.RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if got := wallet.ChecksumAddress(addr); got != s.Address() {
		t.Errorf("expected signature from %s, recovered %s", s.Address(), got)
	}
}

func TestSignVersion1UsesXPayment(t *testing.T) {
	s := testSigner(t)
	req := testRequirements("10")
	req.Extra = nil

	name, value, err := s.Sign(1, req, "10")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if name != HeaderXPayment {
		t.Errorf("expected %s, got %s", HeaderXPayment, name)
	}
	p := decodePayload(t, value)
	if p.Accepted != nil {
		t.Error("expected no accepted terms in a v1 payload")
	}
	if got := p.Payload.Authorization.ValidBefore; got != "1700000060" {
		t.Errorf("expected validBefore 1700000060, got %s", got)
	}
}

func TestSignUniqueNonces(t *testing.T) {
	s := testSigner(t)
	a, err := s.Authorize(2, testRequirements("1"), "1")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	b, err := s.Authorize(2, testRequirements("1"), "1")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if a.Payload.Authorization.Nonce == b.Payload.Authorization.Nonce {
		t.Error("expected distinct nonces")
	}
}

func TestSignRejectsBadTerms(t *testing.T) {
	s := testSigner(t)

	badPayTo := testRequirements("1")
	badPayTo.PayTo = "0x12"
	badNetwork := testRequirements("1")
	badNetwork.Network = "solana"

	tests := []struct {
		name   string
		req    Requirements
		amount string
		want   error
	}{
		{"negative amount", testRequirements("1"), "-5", ErrMalformedTerms},
		{"short payTo", badPayTo, "1", ErrMalformedTerms},
		{"unknown network", badNetwork, "1", ErrUnsupportedNetwork},
	}
	for _, tt := range tests {
		if _, _, err := s.Sign(2, tt.req, tt.amount); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	now := time.Unix(1_000, 0)
	c.now = func() time.Time { return now }

	c.Set(ctx, "/v1/chat/completions", CachedParams{X402Version: 2, Requirements: testRequirements("5")})
	got, ok := c.Get(ctx, "/v1/chat/completions")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Requirements.Amount != "5" {
		t.Errorf("expected amount 5, got %s", got.Requirements.Amount)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "/v1/chat/completions"); ok {
		t.Error("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, len=%d", c.Len())
	}

	c.Set(ctx, "/a", CachedParams{})
	c.Set(ctx, "/b", CachedParams{})
	c.Invalidate(ctx, "/a")
	if _, ok := c.Get(ctx, "/a"); ok {
		t.Error("expected invalidated entry to miss")
	}
	c.Clear(ctx)
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, len=%d", c.Len())
	}
}

func TestRedisCacheDisabled(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(nil, "clawrouter:x402:", time.Minute, nil)
	c.Set(ctx, "/x", CachedParams{X402Version: 2})
	if _, ok := c.Get(ctx, "/x"); ok {
		t.Error("expected a disabled cache to always miss")
	}
	c.Invalidate(ctx, "/x")
	c.Clear(ctx)
}

func TestLayeredCacheFillsLocal(t *testing.T) {
	ctx := context.Background()
	local, shared := NewMemoryCache(time.Hour), NewMemoryCache(time.Hour)
	c := LayeredCache{Local: local, Shared: shared}

	shared.Set(ctx, "/p", CachedParams{X402Version: 2})
	if _, ok := c.Get(ctx, "/p"); !ok {
		t.Fatal("expected a hit from the shared layer")
	}
	if local.Len() != 1 {
		t.Errorf("expected the local layer to be filled, len=%d", local.Len())
	}

	c.Invalidate(ctx, "/p")
	if local.Len() != 0 || shared.Len() != 0 {
		t.Errorf("expected both layers cleared, got %d/%d", local.Len(), shared.Len())
	}
}

// paywall is an upstream that demands a valid signature for amount.
type paywall struct {
	t        *testing.T
	terms    Requirements
	version  int
	requests atomic.Int32
	paid     atomic.Int32
	// rejectPaid forces a 402 on the first n paid attempts.
	rejectPaid int32
}

func (p *paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	io.Copy(io.Discard, r.Body)

	value := r.Header.Get(HeaderName(p.version))
	if value == "" || !p.valid(value) || p.paid.Add(1) <= p.rejectPaid {
		w.Header().Set(HeaderPaymentRequired, encodeTerms(p.t, PaymentRequired{
			X402Version: p.version,
			Accepts:     []Requirements{p.terms},
		}))
		w.WriteHeader(http.StatusPaymentRequired)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (p *paywall) valid(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	if payload.Payload.Authorization.To != p.terms.PayTo {
		return false
	}
	digest, err := Digest(&payload, p.terms)
	if err != nil {
		return false
	}
	sig, err := hexDecode(payload.Payload.Signature)
	if err != nil {
		return false
	}
	_, err = wallet.RecoverAddress(digest, sig)
	return err == nil
}

func newTestClient(t *testing.T, events *[]PaymentEvent) *Client {
	var mu sync.Mutex
	return NewClient(http.DefaultClient, testSigner(t),
		WithRetry(retry.Config{MaxRetries: 0, BaseDelay: time.Millisecond}),
		WithOnPayment(func(e PaymentEvent) {
			mu.Lock()
			defer mu.Unlock()
			*events = append(*events, e)
		}),
	)
}

func chatRequest(url string) *Request {
	return &Request{
		Method: http.MethodPost,
		URL:    url + "/v1/chat/completions",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"model":"openai/gpt-4o-mini","messages":[]}`),
		Model:  "openai/gpt-4o-mini",
	}
}

func TestClientNegotiatesThenUsesCache(t *testing.T) {
	pw := &paywall{t: t, terms: testRequirements("3000"), version: 2}
	srv := httptest.NewServer(pw)
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	resp, err := c.Do(context.Background(), chatRequest(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %s", body)
	}
	if n := pw.requests.Load(); n != 2 {
		t.Errorf("expected unpaid then paid request, got %d", n)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 payment event, got %d", len(events))
	}
	want := PaymentEvent{Model: "openai/gpt-4o-mini", Amount: "3000", Network: "eip155:8453"}
	if events[0] != want {
		t.Errorf("expected %+v, got %+v", want, events[0])
	}

	// Cached terms skip the unpaid round trip.
	req := chatRequest(srv.URL)
	req.PreAuth = &PreAuthParams{EstimatedAmount: "1200"}
	resp, err = c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if n := pw.requests.Load(); n != 3 {
		t.Errorf("expected a single pre-paid request, got %d total", n)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 payment events, got %d", len(events))
	}
	if events[1].Amount != "1200" {
		t.Errorf("expected the estimate to be paid, got %s", events[1].Amount)
	}
}

func TestClientStaleCacheRenegotiates(t *testing.T) {
	pw := &paywall{t: t, terms: testRequirements("3000"), version: 2}
	srv := httptest.NewServer(pw)
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	stale := testRequirements("3000")
	stale.PayTo = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	c.Cache().Set(context.Background(), "/v1/chat/completions", CachedParams{X402Version: 2, Requirements: stale})

	resp, err := c.Do(context.Background(), chatRequest(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if n := pw.requests.Load(); n != 2 {
		t.Errorf("expected stale attempt then renegotiated attempt, got %d", n)
	}

	cached, ok := c.Cache().Get(context.Background(), "/v1/chat/completions")
	if !ok {
		t.Fatal("expected fresh terms to be cached")
	}
	if cached.Requirements.PayTo != testPayTo {
		t.Errorf("expected cached payTo %s, got %s", testPayTo, cached.Requirements.PayTo)
	}
}

func TestClientRetriesOnceWithFreshTerms(t *testing.T) {
	pw := &paywall{t: t, terms: testRequirements("3000"), version: 2, rejectPaid: 1}
	srv := httptest.NewServer(pw)
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	resp, err := c.Do(context.Background(), chatRequest(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if n := pw.requests.Load(); n != 3 {
		t.Errorf("expected 3 upstream requests, got %d", n)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 payment event, got %d", len(events))
	}
}

func TestClientRejectedTwiceIsProxyError(t *testing.T) {
	pw := &paywall{t: t, terms: testRequirements("3000"), version: 2, rejectPaid: 5}
	srv := httptest.NewServer(pw)
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	_, err := c.Do(context.Background(), chatRequest(srv.URL))
	var pe *apperr.ProxyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a proxy error, got %v", err)
	}
	if !errors.Is(err, ErrPaymentRejected) {
		t.Errorf("expected ErrPaymentRejected, got %v", err)
	}
	if n := pw.requests.Load(); n != 3 {
		t.Errorf("expected 3 upstream requests, got %d", n)
	}
	if len(events) != 0 {
		t.Errorf("expected no payment events, got %v", events)
	}

	if _, ok := c.Cache().Get(context.Background(), "/v1/chat/completions"); ok {
		t.Error("expected rejected terms to be dropped from the cache")
	}
}

func TestClientPassesThroughUnpaidResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	resp, err := c.Do(context.Background(), chatRequest(srv.URL))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if len(events) != 0 {
		t.Errorf("expected no payment events, got %v", events)
	}
}

func TestClientNetworkErrorIsProxyError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	_, err := c.Do(context.Background(), chatRequest(url))
	var pe *apperr.ProxyError
	if !errors.As(err, &pe) {
		t.Errorf("expected a proxy error, got %v", err)
	}
}

func TestClientUnsupportedTerms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"x402Version":1,"accepts":[{"scheme":"upto","network":"base","maxAmountRequired":"1","asset":"` + testAsset + `","payTo":"` + testPayTo + `"}]}`))
	}))
	defer srv.Close()

	var events []PaymentEvent
	c := newTestClient(t, &events)

	if _, err := c.Do(context.Background(), chatRequest(srv.URL)); !errors.Is(err, ErrUnsupportedTerms) {
		t.Errorf("expected ErrUnsupportedTerms, got %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://api.blockrun.ai/api/v1/chat/completions?x=1", "/api/v1/chat/completions"},
		{"::bad", "::bad"},
	}
	for _, tt := range tests {
		if got := cacheKey(tt.in); got != tt.want {
			t.Errorf("cacheKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
