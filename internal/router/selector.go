package router

import (
	"math"

	"github.com/af-corp/clawrouter/internal/types"
)

// BaselineModel is the premium reference model savings are measured against.
const BaselineModel = "anthropic/claude-opus-4"

// Method tags how a routing decision was reached.
type Method string

const (
	MethodRules    Method = "rules"
	MethodSession  Method = "session"
	MethodExplicit Method = "explicit"
)

// ModelPricing is a model's price in USD per million tokens.
type ModelPricing struct {
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

// PricingTable maps model id to pricing.
type PricingTable map[string]ModelPricing

// ContextWindowFunc returns a model's context window, ok=false when unknown.
type ContextWindowFunc func(modelID string) (int, bool)

// RoutingDecision is the immutable result of routing one request.
type RoutingDecision struct {
	Model           string     `json:"model"`
	Tier            types.Tier `json:"tier"`
	Confidence      float64    `json:"confidence"`
	Method          Method     `json:"method"`
	Reasoning       string     `json:"reasoning"`
	CostEstimate    float64    `json:"cost_estimate"`
	BaselineCost    float64    `json:"baseline_cost"`
	Savings         float64    `json:"savings"`
	Agentic         bool       `json:"agentic"`
	EstimatedTokens int        `json:"estimated_tokens"`
	MaxOutputTokens int        `json:"max_output_tokens"`
}

// EstimateCost prices a request against model. Unknown models cost zero.
func EstimateCost(model string, pricing PricingTable, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputPrice + float64(outputTokens)/1e6*p.OutputPrice
}

// Savings returns the fraction saved against baseline, clamped to [0,1].
func Savings(cost, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return math.Min(1, math.Max(0, (baseline-cost)/baseline))
}

// SelectModel picks the primary model for tier and builds the decision.
func SelectModel(tier types.Tier, confidence float64, method Method, reasoning string, tiers TierTable, pricing PricingTable, estimatedInputTokens, maxOutputTokens int) RoutingDecision {
	model := tiers.For(tier).Primary
	return decisionFor(model, tier, confidence, method, reasoning, pricing, estimatedInputTokens, maxOutputTokens)
}

func decisionFor(model string, tier types.Tier, confidence float64, method Method, reasoning string, pricing PricingTable, inputTokens, outputTokens int) RoutingDecision {
	cost := EstimateCost(model, pricing, inputTokens, outputTokens)
	baseline := EstimateCost(BaselineModel, pricing, inputTokens, outputTokens)
	return RoutingDecision{
		Model:           model,
		Tier:            tier,
		Confidence:      confidence,
		Method:          method,
		Reasoning:       reasoning,
		CostEstimate:    cost,
		BaselineCost:    baseline,
		Savings:         Savings(cost, baseline),
		EstimatedTokens: inputTokens,
		MaxOutputTokens: outputTokens,
	}
}

// WithModel returns a copy of d re-priced for a different serving model.
func (d RoutingDecision) WithModel(model string, pricing PricingTable) RoutingDecision {
	out := decisionFor(model, d.Tier, d.Confidence, d.Method, d.Reasoning, pricing, d.EstimatedTokens, d.MaxOutputTokens)
	out.Agentic = d.Agentic
	return out
}

// FallbackChain returns [primary, ...fallback] for tier in config order.
func FallbackChain(tier types.Tier, tiers TierTable) []string {
	tc := tiers.For(tier)
	chain := make([]string, 0, 1+len(tc.Fallback))
	chain = append(chain, tc.Primary)
	return append(chain, tc.Fallback...)
}

// FallbackChainFiltered drops models whose known context window is smaller
// than 1.1x the estimated total tokens. Models with an unknown window are kept.
// If every model would be dropped the full chain is returned.
func FallbackChainFiltered(tier types.Tier, tiers TierTable, estimatedTotalTokens int, contextWindow ContextWindowFunc) []string {
	full := FallbackChain(tier, tiers)
	if contextWindow == nil {
		return full
	}

	need := float64(estimatedTotalTokens) * 1.1
	filtered := make([]string, 0, len(full))
	for _, model := range full {
		window, ok := contextWindow(model)
		if !ok || float64(window) >= need {
			filtered = append(filtered, model)
		}
	}
	if len(filtered) == 0 {
		return full
	}
	return filtered
}
