package router

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/af-corp/clawrouter/internal/types"
)

// autoAgenticThreshold is the agentic score at which agentic tiers are used
// without an explicit override.
const autoAgenticThreshold = 0.6

var structuredOutputPattern = regexp.MustCompile(`(?i)json|structured|schema`)

// RouteInput carries the request attributes the router looks at.
type RouteInput struct {
	Prompt          string
	SystemPrompt    string
	MaxOutputTokens int
	HasTools        bool
}

// EstimateTokens approximates the input token count at four runes per token.
func EstimateTokens(systemPrompt, prompt string) int {
	n := utf8.RuneCountInString(systemPrompt + " " + prompt)
	return int(math.Ceil(float64(n) / 4))
}

// Route classifies a request and selects the cheapest capable model for it.
func Route(in RouteInput, cfg *RoutingConfig, pricing PricingTable) RoutingDecision {
	estimated := EstimateTokens(in.SystemPrompt, in.Prompt)
	result := Classify(in.Prompt, in.SystemPrompt, estimated, cfg.Scoring)

	agenticScore := result.AgenticScore
	if in.HasTools {
		agenticScore = clamp01(agenticScore + cfg.Scoring.ToolUseAgenticBoost)
	}
	autoAgentic := agenticScore >= autoAgenticThreshold
	explicitAgentic := cfg.Overrides.AgenticMode
	useAgentic := (autoAgentic || explicitAgentic) && cfg.AgenticTiers != nil
	tiers := cfg.TiersFor(useAgentic)

	if estimated > cfg.Overrides.MaxTokensForceComplex {
		reasoning := fmt.Sprintf("Input exceeds %d tokens", cfg.Overrides.MaxTokensForceComplex)
		if useAgentic {
			reasoning += " | agentic"
		}
		d := SelectModel(types.TierComplex, 0.95, MethodRules, reasoning, tiers, pricing, estimated, in.MaxOutputTokens)
		d.Agentic = useAgentic
		return d
	}

	var b strings.Builder
	fmt.Fprintf(&b, "score=%.2f | %s", result.Score, strings.Join(result.Signals, ", "))

	var tier types.Tier
	var confidence float64
	if result.Tier != nil {
		tier = *result.Tier
		confidence = result.Confidence
	} else {
		tier = cfg.Overrides.AmbiguousDefaultTier
		confidence = 0.5
		fmt.Fprintf(&b, " | ambiguous -> default: %s", tier)
	}

	if in.SystemPrompt != "" && structuredOutputPattern.MatchString(in.SystemPrompt) {
		if minTier := cfg.Overrides.StructuredOutputMinTier; !tier.AtLeast(minTier) {
			fmt.Fprintf(&b, " | upgraded to %s (structured output)", minTier)
			tier = minTier
		}
	}

	switch {
	case autoAgentic:
		b.WriteString(" | auto-agentic")
	case explicitAgentic:
		b.WriteString(" | agentic")
	}

	d := SelectModel(tier, confidence, MethodRules, b.String(), tiers, pricing, estimated, in.MaxOutputTokens)
	d.Agentic = useAgentic
	return d
}
