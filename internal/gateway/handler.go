package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/af-corp/clawrouter/internal/apperr"
	"github.com/af-corp/clawrouter/internal/balance"
	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/dedup"
	"github.com/af-corp/clawrouter/internal/httputil"
	"github.com/af-corp/clawrouter/internal/payment"
	"github.com/af-corp/clawrouter/internal/router"
	"github.com/af-corp/clawrouter/internal/telemetry"
	"github.com/af-corp/clawrouter/internal/types"
	"github.com/af-corp/clawrouter/internal/usage"
)

const (
	maxRequestBody = 10 << 20
	// maxErrorBody caps how much of an upstream error is kept for relaying.
	maxErrorBody = 1 << 20
)

// plan is the routing outcome for one chat request.
type plan struct {
	decision  router.RoutingDecision
	chain     []string
	auto      bool
	sessionID string
}

// outcome is what the leader of a request observed upstream.
type outcome struct {
	model    string
	attempts int
	status   int
	err      error
}

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	receivedAt := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	snap := s.snapshot()
	p := s.plan(r, &req, snap)
	d := p.decision

	s.metrics.RecordRouting(d.Tier.String(), string(d.Method), d.Agentic, d.Savings)
	if s.callbacks.OnRouted != nil {
		s.callbacks.OnRouted(d)
	}
	s.logger.Debug("request routed",
		"request_id", reqID,
		"model", d.Model,
		"tier", d.Tier.String(),
		"method", string(d.Method),
		"confidence", d.Confidence,
		"reasoning", d.Reasoning,
		"chain", p.chain,
	)

	if err := s.checkBalance(r.Context(), d); err != nil {
		httputil.WriteAppError(w, reqID, err)
		s.finish(reqID, receivedAt, p, req.Stream, outcome{model: d.Model, status: apperr.StatusOf(err), err: err}, false)
		return
	}

	rw := newResponseWriter(w)
	// The leader's producer may outlive this handler if its client leaves.
	var result atomic.Pointer[outcome]
	produce := func(ctx context.Context, dw dedup.Writer) error {
		o := s.attempt(ctx, reqID, body, p, snap, dw)
		result.Store(&o)
		// A response cut short by the leader's client leaving is not a
		// result anyone else may be served.
		if o.err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	var shared bool
	if s.dedup != nil {
		shared, err = s.dedup.Do(r.Context(), dedup.Fingerprint(body), rw, produce)
	} else {
		err = produce(r.Context(), rw)
	}
	var out outcome
	if o := result.Load(); o != nil && !shared {
		out = *o
	}
	if shared {
		s.metrics.RecordDedupShared()
		out = outcome{model: rw.ServedModel(), status: rw.Status()}
	}
	if err != nil {
		s.logger.Warn("request aborted", "request_id", reqID, "error", err)
		if rw.Status() == 0 {
			writeAppError(rw, reqID, &apperr.ProxyError{Op: "upstream request", Err: err})
		}
		if out.status == 0 {
			out.status = rw.Status()
		}
		out.err = err
	}

	if out.status > 0 && out.status < 400 && out.model != "" {
		s.sessions.Set(p.sessionID, out.model, d.Tier)
	}
	s.finish(reqID, receivedAt, p, req.Stream, out, shared)
}

// plan picks the model chain for req: an explicit model is used alone, a
// pinned session leads with its model, and everything else is classified.
func (s *Server) plan(r *http.Request, req *types.ChatRequest, snap *config.Snapshot) plan {
	prompt, system := req.Prompts()
	maxTokens := s.cfg.Routing.DefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	if !s.isAuto(req.Model) {
		base := router.RoutingDecision{
			Tier:            types.TierSimple,
			Confidence:      1,
			Method:          router.MethodExplicit,
			Reasoning:       "explicit model",
			EstimatedTokens: router.EstimateTokens(system, prompt),
			MaxOutputTokens: maxTokens,
		}
		return plan{decision: base.WithModel(req.Model, snap.Pricing), chain: []string{req.Model}}
	}

	d := router.Route(router.RouteInput{
		Prompt:          prompt,
		SystemPrompt:    system,
		MaxOutputTokens: maxTokens,
		HasTools:        req.HasTools(),
	}, snap.Routing, snap.Pricing)
	tiers := snap.Routing.TiersFor(d.Agentic)
	p := plan{
		decision:  d,
		chain:     router.FallbackChainFiltered(d.Tier, tiers, d.EstimatedTokens+maxTokens, snap.Catalog.ContextWindow),
		auto:      true,
		sessionID: s.sessions.IDFromRequest(r),
	}

	if p.sessionID == "" {
		return p
	}
	entry, ok := s.sessions.Get(p.sessionID)
	if !ok {
		s.metrics.RecordSession("miss")
		return p
	}
	s.metrics.RecordSession("hit")
	pinned := d.WithModel(entry.Model, snap.Pricing)
	pinned.Tier = entry.Tier
	pinned.Method = router.MethodSession
	pinned.Reasoning = fmt.Sprintf("session pinned to %s", entry.Model)
	p.decision = pinned
	p.chain = pinnedChain(entry.Model, router.FallbackChain(entry.Tier, tiers))
	return p
}

// pinnedChain puts model first and keeps the rest of chain as fallbacks.
func pinnedChain(model string, chain []string) []string {
	out := make([]string, 0, len(chain)+1)
	out = append(out, model)
	for _, m := range chain {
		if m != model {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) isAuto(model string) bool {
	return model == "" || slices.Contains(s.cfg.Routing.AutoModels, model)
}

// checkBalance refuses requests the wallet cannot pay for. RPC failures are
// logged and the request proceeds.
func (s *Server) checkBalance(ctx context.Context, d router.RoutingDecision) error {
	if s.balance == nil {
		return nil
	}
	required := big.NewInt(microUSD(d.CostEstimate))
	info, err := s.balance.Require(ctx, required)
	if info.Balance != nil {
		usd, _ := new(big.Rat).SetFrac(info.Balance, big.NewInt(1_000_000)).Float64()
		s.metrics.SetWalletBalance(usd)
	}
	switch {
	case err == nil:
	case apperr.IsBalanceError(err):
		s.logger.Warn("wallet cannot cover request", "wallet", info.Wallet, "balance", info.BalanceUSD, "error", err)
		if s.callbacks.OnInsufficientFunds != nil {
			s.callbacks.OnInsufficientFunds(InsufficientFundsInfo{
				BalanceUSD:  info.BalanceUSD,
				RequiredUSD: balance.FormatUSD(required),
				Wallet:      s.wallet.Address(),
			})
		}
		return err
	default:
		s.logger.Warn("balance check failed, proceeding", "error", err)
		return nil
	}

	if info.IsLow {
		s.logger.Warn("wallet balance low", "wallet", info.Wallet, "balance", info.BalanceUSD)
		if s.callbacks.OnLowBalance != nil {
			s.callbacks.OnLowBalance(LowBalanceInfo{BalanceUSD: info.BalanceUSD, Wallet: info.Wallet})
		}
	}
	return nil
}

// attempt walks p.chain until a model answers. Only auto-routed requests
// fall back; transport failures never do.
func (s *Server) attempt(ctx context.Context, reqID string, body []byte, p plan, snap *config.Snapshot, w dedup.Writer) outcome {
	var out outcome
	for i, model := range p.chain {
		last := i == len(p.chain)-1
		if p.auto && !last && !s.health.Allow(model) {
			s.logger.Debug("skipping model with open breaker", "request_id", reqID, "model", model)
			s.metrics.RecordAttempt(model, "skipped")
			continue
		}

		payload, err := types.WithModel(body, model)
		if err != nil {
			s.health.Release(model)
			out.err = &apperr.ClientError{Message: "Invalid JSON: " + err.Error()}
			out.status = http.StatusBadRequest
			writeAppError(w, reqID, out.err)
			return out
		}

		out.attempts++
		out.model = model
		resp, err := s.payments.Do(ctx, s.chatRequest(ctx, reqID, payload, model, p.decision.WithModel(model, snap.Pricing)))
		if err != nil {
			// A transport failure says nothing about the model itself.
			s.health.Release(model)
			s.metrics.RecordAttempt(model, "proxy_error")
			s.logger.Warn("upstream request failed", "request_id", reqID, "model", model, "error", err)
			out.err = err
			out.status = apperr.StatusOf(err)
			writeAppError(w, reqID, err)
			return out
		}

		if resp.StatusCode < 400 {
			s.health.RecordSuccess(model)
			s.metrics.RecordAttempt(model, "success")
			out.status = resp.StatusCode
			if _, err := relay(w, resp, model); err != nil {
				s.logger.Warn("response relay interrupted", "request_id", reqID, "model", model, "error", err)
				out.err = err
			}
			return out
		}

		perr, fallback := readProviderError(model, resp)
		if fallback {
			s.health.RecordFailure(model)
		} else {
			// The model answered; the request itself was rejected.
			s.health.RecordSuccess(model)
		}
		if p.auto && fallback && !last {
			s.metrics.RecordAttempt(model, "fallback")
			s.logger.Warn("provider error, trying next model",
				"request_id", reqID,
				"model", model,
				"status", perr.Status,
				"error", perr.Message,
			)
			continue
		}

		s.metrics.RecordAttempt(model, "error")
		out.status = perr.Status
		out.err = perr
		writeRaw(w, perr.Status, resp.Header, perr.Body, model)
		return out
	}

	out.err = &apperr.ProviderError{Message: "no model available"}
	out.status = http.StatusBadGateway
	writeAppError(w, reqID, out.err)
	return out
}

func (s *Server) chatRequest(ctx context.Context, reqID string, payload []byte, model string, d router.RoutingDecision) *payment.Request {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-ID", reqID)
	if s.cfg.Upstream.UserAgent != "" {
		h.Set("User-Agent", s.cfg.Upstream.UserAgent)
	}
	req := &payment.Request{
		Method: http.MethodPost,
		URL:    s.upstream + "/v1/chat/completions",
		Header: h,
		Body:   payload,
		Model:  model,
	}
	if s.cfg.Payment.PreAuth {
		if micro := microUSD(d.CostEstimate); micro > 0 {
			req.PreAuth = &payment.PreAuthParams{EstimatedAmount: strconv.FormatInt(micro, 10)}
		}
	}
	return req
}

// readProviderError drains an upstream error. fallback reports whether the
// failure is model-level: a provider_error body, a rate limit or a 5xx.
func readProviderError(model string, resp *http.Response) (*apperr.ProviderError, bool) {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	perr := &apperr.ProviderError{
		Model:   model,
		Status:  resp.StatusCode,
		Body:    body,
		Message: http.StatusText(resp.StatusCode),
	}
	ue, ok := types.ParseUpstreamError(body)
	if ok && ue.Error.Message != "" {
		perr.Message = ue.Error.Message
	}
	fallback := (ok && ue.Error.Type == apperr.TypeProvider) ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500
	return perr, fallback
}

func (s *Server) finish(reqID string, receivedAt time.Time, p plan, stream bool, out outcome, shared bool) {
	latency := time.Since(receivedAt)
	d := p.decision
	if out.model != "" && out.model != d.Model {
		d = d.WithModel(out.model, s.snapshot().Pricing)
	}

	s.metrics.RecordRequest(telemetry.RequestLabels{
		Model:      d.Model,
		Tier:       d.Tier.String(),
		Method:     string(d.Method),
		Status:     strconv.Itoa(out.status),
		DurationMs: float64(latency.Milliseconds()),
		CostUSD:    d.CostEstimate,
	})

	attrs := []any{
		"request_id", reqID,
		"model", d.Model,
		"tier", d.Tier.String(),
		"method", string(d.Method),
		"cost", d.CostEstimate,
		"savings", d.Savings,
		"attempts", out.attempts,
		"status", out.status,
		"stream", stream,
		"shared", shared,
		"duration_ms", latency.Milliseconds(),
	}
	if out.err != nil && !errors.Is(out.err, context.Canceled) {
		attrs = append(attrs, "error", out.err.Error())
	}
	s.logger.Info("request completed", attrs...)

	if s.usage != nil {
		err := s.usage.Emit(usage.Record{
			RequestID:    reqID,
			Model:        d.Model,
			Tier:         d.Tier.String(),
			Method:       string(d.Method),
			CostEstimate: d.CostEstimate,
			BaselineCost: d.BaselineCost,
			Savings:      d.Savings,
			LatencyMs:    latency.Milliseconds(),
			Status:       out.status,
			Stream:       stream,
			Attempts:     out.attempts,
			Shared:       shared,
		})
		if err != nil && !errors.Is(err, usage.ErrClosed) {
			s.logger.Warn("usage emit failed", "request_id", reqID, "error", err)
		}
	}
}

// microUSD converts a USD estimate to USDC base units, rounding up.
func microUSD(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(math.Ceil(usd * 1e6))
}

// Health handles GET /health. It never touches the payment path.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"wallet": s.wallet.Address(),
	})
}

// ListModels handles GET /v1/models from the local catalog.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	catalog := s.snapshot().Catalog
	list := types.ModelList{Object: "list", Data: make([]types.ModelObject, 0, len(catalog.Models))}
	created := time.Now().Unix()
	for _, m := range catalog.Models {
		list.Data = append(list.Data, types.ModelObject{
			ID:      m.ID,
			Object:  "model",
			Created: created,
			OwnedBy: ownerOf(m.ID),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// ownerOf returns the provider prefix of a model id ("openai/gpt-4o" -> "openai").
func ownerOf(id string) string {
	if owner, _, ok := strings.Cut(id, "/"); ok {
		return owner
	}
	return "blockrun"
}
