package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/balance"
	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/dedup"
	"github.com/af-corp/clawrouter/internal/httputil"
	"github.com/af-corp/clawrouter/internal/payment"
	"github.com/af-corp/clawrouter/internal/router"
	"github.com/af-corp/clawrouter/internal/session"
	"github.com/af-corp/clawrouter/internal/telemetry"
	"github.com/af-corp/clawrouter/internal/wallet"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

const (
	simplePrompt    = "What is the capital of France?"
	reasoningPrompt = "Prove that sqrt(2) is irrational step by step using proof by contradiction"
)

var providerErrorBody = `{"error":{"message":"insufficient capacity","type":"provider_error"}}`

// upstream is a fake chat API that answers per model.
type upstream struct {
	mu      sync.Mutex
	models  []string
	replies map[string]reply
	// hold blocks each chat call until closed.
	hold chan struct{}
}

type reply struct {
	status int
	body   string
}

func newUpstream(replies map[string]reply) *upstream {
	return &upstream{replies: replies}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	body, _ := io.ReadAll(r.Body)
	json.Unmarshal(body, &req)

	u.mu.Lock()
	u.models = append(u.models, req.Model)
	rep, ok := u.replies[req.Model]
	u.mu.Unlock()

	if u.hold != nil {
		<-u.hold
	}
	if !ok {
		rep = reply{http.StatusOK, `{"id":"chatcmpl-1","model":"` + req.Model + `","choices":[]}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(rep.status)
	io.WriteString(w, rep.body)
}

func (u *upstream) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.models...)
}

func testRouting() *router.RoutingConfig {
	cfg := router.DefaultRoutingConfig()
	cfg.Tiers.Simple = router.TierConfig{Primary: "a/primary", Fallback: []string{"b/first", "c/second"}}
	cfg.Tiers.Reasoning = router.TierConfig{Primary: "r/reasoner"}
	cfg.AgenticTiers = nil
	return cfg
}

type testServer struct {
	srv      *Server
	handler  http.Handler
	upstream *upstream
}

func newTestServer(t *testing.T, up http.Handler, mutate func(*Options)) *testServer {
	t.Helper()
	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)

	cfg := config.DefaultConfig()
	cfg.Upstream.BaseURL = ts.URL
	cfg.Upstream.Retry.MaxRetries = 0
	cfg.Payment.PreAuth = false

	w, err := wallet.FromHex(testKey)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	snap := config.StaticSnapshot(testRouting(), &config.ModelCatalog{})

	opts := Options{
		Config:   cfg,
		Snapshot: func() *config.Snapshot { return snap },
		Wallet:   w,
		Metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	u, _ := up.(*upstream)
	return &testServer{srv: s, handler: s.Routes(), upstream: u}
}

func (ts *testServer) chat(t *testing.T, model, prompt string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"model":"` + model + `","messages":[{"role":"user","content":"` + prompt + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func equalCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected upstream calls %v, got %v", want, got)
	}
}

func TestChatFallbackWalksChain(t *testing.T) {
	up := newUpstream(map[string]reply{
		"a/primary": {http.StatusBadRequest, providerErrorBody},
		"b/first":   {http.StatusBadRequest, providerErrorBody},
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "blockrun/auto", simplePrompt, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	equalCalls(t, up.calls(), "a/primary", "b/first", "c/second")
	if got := w.Header().Get(ModelHeader); got != "c/second" {
		t.Errorf("expected served model c/second, got %q", got)
	}
	if !strings.Contains(w.Body.String(), `"model":"c/second"`) {
		t.Errorf("expected body from c/second, got %s", w.Body.String())
	}
}

func TestChatFallbackOnServerError(t *testing.T) {
	up := newUpstream(map[string]reply{
		"a/primary": {http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`},
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	equalCalls(t, up.calls(), "a/primary", "b/first")
}

func TestChatExhaustedChainRelaysLastError(t *testing.T) {
	last := `{"error":{"message":"second is out","type":"provider_error"}}`
	up := newUpstream(map[string]reply{
		"a/primary": {http.StatusBadRequest, providerErrorBody},
		"b/first":   {http.StatusBadRequest, providerErrorBody},
		"c/second":  {http.StatusBadRequest, last},
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w.Body.String() != last {
		t.Errorf("expected last error verbatim, got %s", w.Body.String())
	}
	equalCalls(t, up.calls(), "a/primary", "b/first", "c/second")
}

func TestChatExplicitModelNeverFallsBack(t *testing.T) {
	up := newUpstream(map[string]reply{
		"a/primary": {http.StatusBadRequest, providerErrorBody},
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "a/primary", simplePrompt, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w.Body.String() != providerErrorBody {
		t.Errorf("expected upstream body unchanged, got %s", w.Body.String())
	}
	equalCalls(t, up.calls(), "a/primary")
}

func TestChatClientErrorDoesNotFallBack(t *testing.T) {
	up := newUpstream(map[string]reply{
		"a/primary": {http.StatusBadRequest, `{"error":{"message":"bad messages","type":"invalid_request_error"}}`},
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	equalCalls(t, up.calls(), "a/primary")
}

func TestChatInvalidJSON(t *testing.T) {
	up := newUpstream(nil)
	ts := newTestServer(t, up, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp httputil.APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Type != apperr.TypeInvalidRequest {
		t.Errorf("expected invalid_request_error, got %q", resp.Error.Type)
	}
	if resp.Error.RequestID == "" || resp.Error.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("expected request id in body and header, got %q / %q", resp.Error.RequestID, w.Header().Get("X-Request-ID"))
	}
	if len(up.calls()) != 0 {
		t.Errorf("expected no upstream calls, got %v", up.calls())
	}
}

func TestChatNetworkErrorIsProxyError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	ts := newTestServer(t, newUpstream(nil), func(o *Options) {
		o.Config.Upstream.BaseURL = dead.URL
	})
	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var resp httputil.APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != apperr.TypeProxy {
		t.Errorf("expected proxy_error, got %q", resp.Error.Type)
	}
}

func TestChatOpenBreakerIsSkipped(t *testing.T) {
	up := newUpstream(nil)
	health := router.NewModelHealth(1, time.Hour)
	health.RecordFailure("a/primary")
	ts := newTestServer(t, up, func(o *Options) { o.Health = health })

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	equalCalls(t, up.calls(), "b/first")
}

func TestChatDeduplicatesConcurrentRequests(t *testing.T) {
	up := newUpstream(nil)
	up.hold = make(chan struct{})
	ts := newTestServer(t, up, func(o *Options) { o.Dedup = dedup.New() })

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ts.chat(t, "auto", simplePrompt, nil)
		}(i)
		if i == 0 {
			waitFor(t, func() bool { return len(up.calls()) == 1 })
		}
	}
	// Give the second caller time to join the first one's flight.
	time.Sleep(100 * time.Millisecond)
	close(up.hold)
	wg.Wait()

	if n := len(up.calls()); n != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", n)
	}
	for i, w := range results {
		if w.Code != http.StatusOK {
			t.Fatalf("caller %d: expected 200, got %d", i, w.Code)
		}
	}
	if results[0].Body.String() != results[1].Body.String() {
		t.Errorf("callers saw different bodies:\n%s\n%s", results[0].Body.String(), results[1].Body.String())
	}
	if ts.srv.dedup.InFlight() != 0 {
		t.Errorf("expected no in-flight entries after completion")
	}
}

func (u *upstream) setReply(model string, rep *reply) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.replies == nil {
		u.replies = make(map[string]reply)
	}
	if rep == nil {
		delete(u.replies, model)
		return
	}
	u.replies[model] = *rep
}

func TestChatBreakerTrialClosesOnClientError(t *testing.T) {
	up := newUpstream(map[string]reply{"a/primary": {http.StatusBadRequest, providerErrorBody}})
	health := router.NewModelHealth(1, 20*time.Millisecond)
	ts := newTestServer(t, up, func(o *Options) { o.Health = health })

	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected fallback to succeed, got %d", w.Code)
	}
	if health.State("a/primary") != router.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", health.State("a/primary"))
	}
	time.Sleep(30 * time.Millisecond)

	up.setReply("a/primary", &reply{http.StatusBadRequest, `{"error":{"message":"bad input","type":"invalid_request_error"}}`})
	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected the trial request's 400 to be relayed, got %d", w.Code)
	}
	if health.State("a/primary") != router.BreakerClosed {
		t.Fatalf("expected a client error to close the breaker, got %s", health.State("a/primary"))
	}

	up.setReply("a/primary", nil)
	for i := 0; i < 3; i++ {
		if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	equalCalls(t, up.calls(), "a/primary", "b/first", "a/primary", "a/primary", "a/primary", "a/primary")
}

func TestChatBreakerTrialReleasedOnTransportError(t *testing.T) {
	up := newUpstream(map[string]reply{"a/primary": {http.StatusBadRequest, providerErrorBody}})
	var drop atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if drop.Load() {
			panic(http.ErrAbortHandler)
		}
		up.ServeHTTP(w, r)
	})
	health := router.NewModelHealth(1, 20*time.Millisecond)
	ts := newTestServer(t, handler, func(o *Options) { o.Health = health })

	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected fallback to succeed, got %d", w.Code)
	}
	time.Sleep(30 * time.Millisecond)

	drop.Store(true)
	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on a dropped connection, got %d", w.Code)
	}
	if health.State("a/primary") != router.BreakerHalfOpen {
		t.Fatalf("expected the breaker to stay half-open, got %s", health.State("a/primary"))
	}

	drop.Store(false)
	up.setReply("a/primary", nil)
	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := lastCall(t, up); got != "a/primary" {
		t.Errorf("expected the next request to try a/primary, got %s", got)
	}
	if health.State("a/primary") != router.BreakerClosed {
		t.Errorf("expected a successful trial to close the breaker, got %s", health.State("a/primary"))
	}
}

func TestChatFollowerRerunsWhenLeaderLeaves(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	stream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: part1\n\n")
		w.(http.Flusher).Flush()
		if n == 1 {
			started <- struct{}{}
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		io.WriteString(w, "data: part2\n\ndata: [DONE]\n\n")
	})
	ts := newTestServer(t, stream, func(o *Options) { o.Dedup = dedup.New() })

	body := `{"model":"a/primary","stream":true,"messages":[{"role":"user","content":"` + simplePrompt + `"}]}`
	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)).WithContext(ctx)
		ts.handler.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-started

	followerDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		w := httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		followerDone <- w
	}()
	// Give the follower time to join the leader's flight.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-leaderDone

	var w *httptest.ResponseRecorder
	select {
	case w = <-followerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not finish")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "data: part1\n\ndata: part2\n\ndata: [DONE]\n\n" {
		t.Errorf("expected the complete stream, got %q", got)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected the follower to make its own upstream call, got %d calls", n)
	}
}

func TestChatSessionPinning(t *testing.T) {
	up := newUpstream(nil)
	sessions := session.New(session.Config{Enabled: true, Timeout: time.Minute})
	ts := newTestServer(t, up, func(o *Options) { o.Sessions = sessions })
	pin := map[string]string{"x-session-id": "task-1"}

	if w := ts.chat(t, "auto", simplePrompt, pin); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Classified on its own this would go to the reasoning tier.
	if w := ts.chat(t, "auto", reasoningPrompt, pin); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := ts.chat(t, "auto", reasoningPrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	equalCalls(t, up.calls(), "a/primary", "a/primary", "r/reasoner")
	entry, ok := sessions.Get("task-1")
	if !ok || entry.RequestCount != 2 {
		t.Errorf("expected pinned entry with 2 requests, got %+v %v", entry, ok)
	}
}

func TestChatSessionPinExpires(t *testing.T) {
	up := newUpstream(nil)
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sessions := session.New(session.Config{Enabled: true, Timeout: time.Minute, Now: clock})
	ts := newTestServer(t, up, func(o *Options) { o.Sessions = sessions })
	pin := map[string]string{"x-session-id": "task-2"}

	if w := ts.chat(t, "auto", simplePrompt, pin); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	mu.Lock()
	now = now.Add(time.Minute + time.Second)
	mu.Unlock()

	if w := ts.chat(t, "auto", reasoningPrompt, pin); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := lastCall(t, up); got != "r/reasoner" {
		t.Errorf("expected an expired pin to be re-classified to r/reasoner, got %s", got)
	}
	equalCalls(t, up.calls(), "a/primary", "r/reasoner")

	entry, ok := sessions.Get("task-2")
	if !ok || entry.Model != "r/reasoner" || entry.RequestCount != 1 {
		t.Errorf("expected a fresh pin on r/reasoner, got %+v %v", entry, ok)
	}
}

// lastCall returns the model of the most recent upstream call.
func lastCall(t *testing.T, up *upstream) string {
	t.Helper()
	calls := up.calls()
	if len(calls) == 0 {
		t.Fatal("expected at least one upstream call")
	}
	return calls[len(calls)-1]
}

func TestChatPaysUpstream(t *testing.T) {
	terms := payment.PaymentRequired{
		X402Version: 2,
		Accepts: []payment.Requirements{{
			Scheme:            payment.SchemeExact,
			Network:           "eip155:8453",
			Amount:            "1500",
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			PayTo:             "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
			MaxTimeoutSeconds: 60,
			Extra:             &payment.Extra{Name: "USD Coin", Version: "2"},
		}},
	}
	raw, _ := json.Marshal(terms)
	encoded := base64.StdEncoding.EncodeToString(raw)

	var requests atomic.Int32
	paywall := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get(payment.HeaderPaymentSignature) == "" {
			w.Header().Set(payment.HeaderPaymentRequired, encoded)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"paid"}`)
	})

	var events []payment.PaymentEvent
	var mu sync.Mutex
	ts := newTestServer(t, paywall, func(o *Options) {
		o.Callbacks.OnPayment = func(e payment.PaymentEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		}
	})

	w := ts.chat(t, "auto", simplePrompt, nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"id":"paid"}` {
		t.Fatalf("expected paid response, got %d %s", w.Code, w.Body.String())
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected challenge plus paid retry, got %d requests", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Model != "a/primary" || events[0].Amount != "1500" {
		t.Errorf("unexpected payment events %+v", events)
	}
	if _, ok := ts.srv.PaymentCache().Get(context.Background(), "/v1/chat/completions"); !ok {
		t.Error("expected terms to be cached")
	}
}

type fakeBalance struct {
	info balance.Info
	err  error
}

func (f fakeBalance) Require(context.Context, *big.Int) (balance.Info, error) {
	return f.info, f.err
}

func TestChatEmptyWalletRefused(t *testing.T) {
	up := newUpstream(nil)
	var notified InsufficientFundsInfo
	ts := newTestServer(t, up, func(o *Options) {
		o.Balance = fakeBalance{
			info: balance.Info{Balance: big.NewInt(0), BalanceUSD: "$0.00", IsEmpty: true, IsLow: true, Wallet: "0xabc"},
			err:  &apperr.EmptyWalletError{WalletAddress: "0xabc"},
		}
		o.Callbacks.OnInsufficientFunds = func(info InsufficientFundsInfo) { notified = info }
	})

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	var resp httputil.APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != apperr.TypeEmptyWallet || resp.Error.Wallet != "0xabc" {
		t.Errorf("unexpected error body %+v", resp.Error)
	}
	if notified.BalanceUSD != "$0.00" {
		t.Errorf("expected insufficient funds callback, got %+v", notified)
	}
	if len(up.calls()) != 0 {
		t.Errorf("expected no upstream calls, got %v", up.calls())
	}
}

func TestChatBalanceRPCFailureFailsOpen(t *testing.T) {
	up := newUpstream(nil)
	ts := newTestServer(t, up, func(o *Options) {
		o.Balance = fakeBalance{err: &apperr.RpcError{Message: "timeout"}}
	})

	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestChatLowBalanceWarns(t *testing.T) {
	up := newUpstream(nil)
	var low LowBalanceInfo
	ts := newTestServer(t, up, func(o *Options) {
		o.Balance = fakeBalance{info: balance.Info{Balance: big.NewInt(500_000), BalanceUSD: "$0.50", IsLow: true, Wallet: "0xabc"}}
		o.Callbacks.OnLowBalance = func(info LowBalanceInfo) { low = info }
	})

	if w := ts.chat(t, "auto", simplePrompt, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if low.BalanceUSD != "$0.50" || low.Wallet != "0xabc" {
		t.Errorf("expected low balance callback, got %+v", low)
	}
}

func TestChatOnRoutedCallback(t *testing.T) {
	var got router.RoutingDecision
	ts := newTestServer(t, newUpstream(nil), func(o *Options) {
		o.Callbacks.OnRouted = func(d router.RoutingDecision) { got = d }
	})

	ts.chat(t, "auto", simplePrompt, nil)

	if got.Model != "a/primary" || got.Method != router.MethodRules {
		t.Errorf("unexpected decision %+v", got)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newUpstream(nil), nil)

	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", w.Code, body)
	}
	if body["wallet"] != ts.srv.wallet.Address() {
		t.Errorf("expected wallet %s, got %s", ts.srv.wallet.Address(), body["wallet"])
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, newUpstream(nil), func(o *Options) {
		snap := config.StaticSnapshot(testRouting(), config.DefaultCatalog())
		o.Snapshot = func() *config.Snapshot { return snap }
	})

	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != len(config.DefaultCatalog().Models) {
		t.Fatalf("unexpected list: %+v", list)
	}
	for _, m := range list.Data {
		if m.ID == "openai/gpt-4o" && m.OwnedBy != "openai" {
			t.Errorf("expected owner openai, got %q", m.OwnedBy)
		}
		if m.Object != "model" {
			t.Errorf("expected object model, got %q", m.Object)
		}
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, newUpstream(nil), nil)

	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRateLimitedClient(t *testing.T) {
	up := newUpstream(nil)
	ts := newTestServer(t, up, func(o *Options) {
		o.Config.Server.RateLimitRPM = 1
	})

	if w := ts.chat(t, "auto", "hello", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := ts.chat(t, "auto", "hello again", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if len(up.calls()) != 1 {
		t.Fatalf("expected the limited request to stay local, got calls %v", up.calls())
	}
}

func TestForwardPassesThrough(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	up := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	})
	ts := newTestServer(t, up, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings?dims=3", bytes.NewBufferString(`{"input":"hi"}`))
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "yes")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated || w.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	if got.URL.Path != "/v1/embeddings" || got.URL.RawQuery != "dims=3" {
		t.Errorf("unexpected upstream url %s", got.URL)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected default content type, got %q", got.Header.Get("Content-Type"))
	}
	if got.Header.Get("X-Custom") != "yes" {
		t.Error("expected custom header to be forwarded")
	}
	if string(gotBody) != `{"input":"hi"}` {
		t.Errorf("unexpected upstream body %s", gotBody)
	}
}

func TestRelayStripsHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Length", "12")
	h.Set("Content-Type", "text/event-stream")

	out := relayHeader(h, "a/primary")
	for _, k := range []string{"Connection", "Transfer-Encoding", "Content-Length"} {
		if out.Get(k) != "" {
			t.Errorf("expected %s to be stripped", k)
		}
	}
	if out.Get("Content-Type") != "text/event-stream" || out.Get(ModelHeader) != "a/primary" {
		t.Errorf("unexpected headers %v", out)
	}
}

func TestRelayStreamsChunks(t *testing.T) {
	chunks := []string{"data: {\"n\":1}\n\n", "data: {\"n\":2}\n\n", "data: [DONE]\n\n"}
	up := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c)
			flusher.Flush()
		}
	})
	ts := newTestServer(t, up, nil)

	w := ts.chat(t, "auto", simplePrompt, nil)

	if w.Body.String() != strings.Join(chunks, "") {
		t.Errorf("unexpected stream %q", w.Body.String())
	}
	if !w.Flushed {
		t.Error("expected the response to be flushed")
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
}

func TestStartAndClose(t *testing.T) {
	up := httptest.NewServer(newUpstream(nil))
	defer up.Close()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Upstream.BaseURL = up.URL
	w, _ := wallet.FromHex(testKey)

	var readyPort atomic.Int32
	l := Launch(context.Background(), Options{
		Config:  cfg,
		Wallet:  w,
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: Callbacks{
			OnReady: func(port int) { readyPort.Store(int32(port)) },
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := l.Wait(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if h.Port == 0 || int(readyPort.Load()) != h.Port {
		t.Errorf("expected OnReady with port %d, got %d", h.Port, readyPort.Load())
	}

	resp, err := http.Get(h.BaseURL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-h.Done(); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	if _, err := http.Get(h.BaseURL + "/health"); err == nil {
		t.Error("expected connection failure after close")
	}
}

func TestCloseFinishesInFlightRequests(t *testing.T) {
	got := make(chan struct{}, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- struct{}{}
		time.Sleep(400 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","choices":[]}`)
	}))
	defer up.Close()

	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Upstream.BaseURL = up.URL
	cfg.Upstream.Retry.MaxRetries = 0
	cfg.Payment.PreAuth = false
	w, _ := wallet.FromHex(testKey)

	h, err := Start(context.Background(), Options{
		Config:  cfg,
		Wallet:  w,
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	type result struct {
		status int
		body   string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		body := `{"model":"a/primary","messages":[{"role":"user","content":"hi"}]}`
		resp, err := http.Post(h.BaseURL+"/v1/chat/completions", "application/json", strings.NewReader(body))
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{status: resp.StatusCode, body: string(b), err: err}
	}()
	<-got

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("in-flight request failed: %v", res.err)
	}
	if res.status != http.StatusOK {
		t.Errorf("expected 200, got %d", res.status)
	}
	if !strings.Contains(res.body, "chatcmpl-1") {
		t.Errorf("expected the upstream body, got %q", res.body)
	}
}

func TestStartRequiresWallet(t *testing.T) {
	_, err := Start(context.Background(), Options{Config: config.DefaultConfig()})
	if err == nil || !strings.Contains(err.Error(), "wallet") {
		t.Fatalf("expected wallet error, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
