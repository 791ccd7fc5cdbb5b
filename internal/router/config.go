package router

import (
	"errors"
	"fmt"

	"github.com/af-corp/clawrouter/internal/types"
)

// Dimension names, used as keys in ScoringConfig.DimensionWeights.
const (
	DimTokenCount          = "token_count"
	DimCodePresence        = "code_presence"
	DimReasoningMarkers    = "reasoning_markers"
	DimSimpleIndicators    = "simple_indicators"
	DimTechnicalTerms      = "technical_terms"
	DimCreativeMarkers     = "creative_markers"
	DimMultiStepPatterns   = "multi_step_patterns"
	DimImperativeVerbs     = "imperative_verbs"
	DimConstraintCount     = "constraint_count"
	DimOutputFormat        = "output_format"
	DimReferenceComplexity = "reference_complexity"
	DimNegationComplexity  = "negation_complexity"
	DimDomainSpecificity   = "domain_specificity"
	DimAgenticTask         = "agentic_task"
)

// AllDimensions lists the 14 scoring dimensions in evaluation order.
var AllDimensions = []string{
	DimTokenCount,
	DimCodePresence,
	DimReasoningMarkers,
	DimSimpleIndicators,
	DimTechnicalTerms,
	DimCreativeMarkers,
	DimMultiStepPatterns,
	DimImperativeVerbs,
	DimConstraintCount,
	DimOutputFormat,
	DimReferenceComplexity,
	DimNegationComplexity,
	DimDomainSpecificity,
	DimAgenticTask,
}

// RoutingConfig is the complete, versioned routing configuration. A value is
// treated as immutable once handed to the gateway.
type RoutingConfig struct {
	Version      string          `yaml:"version" toml:"version" json:"version"`
	Scoring      ScoringConfig   `yaml:"scoring" toml:"scoring" json:"scoring"`
	Tiers        TierTable       `yaml:"tiers" toml:"tiers" json:"tiers"`
	AgenticTiers *TierTable      `yaml:"agentic_tiers,omitempty" toml:"agentic_tiers,omitempty" json:"agentic_tiers,omitempty"`
	Overrides    OverridesConfig `yaml:"overrides" toml:"overrides" json:"overrides"`
}

type TokenThresholds struct {
	Simple  int `yaml:"simple" toml:"simple" json:"simple"`
	Complex int `yaml:"complex" toml:"complex" json:"complex"`
}

type TierBoundaries struct {
	SimpleMedium     float64 `yaml:"simple_medium" toml:"simple_medium" json:"simple_medium"`
	MediumComplex    float64 `yaml:"medium_complex" toml:"medium_complex" json:"medium_complex"`
	ComplexReasoning float64 `yaml:"complex_reasoning" toml:"complex_reasoning" json:"complex_reasoning"`
}

type ScoringConfig struct {
	TokenCountThresholds TokenThresholds `yaml:"token_count_thresholds" toml:"token_count_thresholds" json:"token_count_thresholds"`

	CodeKeywords           []string `yaml:"code_keywords" toml:"code_keywords" json:"code_keywords"`
	ReasoningKeywords      []string `yaml:"reasoning_keywords" toml:"reasoning_keywords" json:"reasoning_keywords"`
	SimpleKeywords         []string `yaml:"simple_keywords" toml:"simple_keywords" json:"simple_keywords"`
	TechnicalKeywords      []string `yaml:"technical_keywords" toml:"technical_keywords" json:"technical_keywords"`
	CreativeKeywords       []string `yaml:"creative_keywords" toml:"creative_keywords" json:"creative_keywords"`
	ImperativeVerbs        []string `yaml:"imperative_verbs" toml:"imperative_verbs" json:"imperative_verbs"`
	ConstraintIndicators   []string `yaml:"constraint_indicators" toml:"constraint_indicators" json:"constraint_indicators"`
	OutputFormatKeywords   []string `yaml:"output_format_keywords" toml:"output_format_keywords" json:"output_format_keywords"`
	ReferenceKeywords      []string `yaml:"reference_keywords" toml:"reference_keywords" json:"reference_keywords"`
	NegationKeywords       []string `yaml:"negation_keywords" toml:"negation_keywords" json:"negation_keywords"`
	DomainSpecificKeywords []string `yaml:"domain_specific_keywords" toml:"domain_specific_keywords" json:"domain_specific_keywords"`
	AgenticTaskKeywords    []string `yaml:"agentic_task_keywords" toml:"agentic_task_keywords" json:"agentic_task_keywords"`

	DimensionWeights map[string]float64 `yaml:"dimension_weights" toml:"dimension_weights" json:"dimension_weights"`
	TierBoundaries   TierBoundaries     `yaml:"tier_boundaries" toml:"tier_boundaries" json:"tier_boundaries"`

	ConfidenceSteepness float64 `yaml:"confidence_steepness" toml:"confidence_steepness" json:"confidence_steepness"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" toml:"confidence_threshold" json:"confidence_threshold"`

	// ToolUseAgenticBoost is added to the agentic score when the request declares tools.
	ToolUseAgenticBoost float64 `yaml:"tool_use_agentic_boost" toml:"tool_use_agentic_boost" json:"tool_use_agentic_boost"`
}

// TierConfig is the primary model for a tier and its ordered fallbacks.
type TierConfig struct {
	Primary  string   `yaml:"primary" toml:"primary" json:"primary"`
	Fallback []string `yaml:"fallback" toml:"fallback" json:"fallback"`
}

// TierTable holds one TierConfig per tier.
type TierTable struct {
	Simple    TierConfig `yaml:"SIMPLE" toml:"SIMPLE" json:"SIMPLE"`
	Medium    TierConfig `yaml:"MEDIUM" toml:"MEDIUM" json:"MEDIUM"`
	Complex   TierConfig `yaml:"COMPLEX" toml:"COMPLEX" json:"COMPLEX"`
	Reasoning TierConfig `yaml:"REASONING" toml:"REASONING" json:"REASONING"`
}

// For returns the configuration of the given tier.
func (t TierTable) For(tier types.Tier) TierConfig {
	switch tier {
	case types.TierSimple:
		return t.Simple
	case types.TierMedium:
		return t.Medium
	case types.TierComplex:
		return t.Complex
	case types.TierReasoning:
		return t.Reasoning
	}
	panic(fmt.Sprintf("router: unhandled tier %s", tier))
}

type OverridesConfig struct {
	MaxTokensForceComplex   int        `yaml:"max_tokens_force_complex" toml:"max_tokens_force_complex" json:"max_tokens_force_complex"`
	StructuredOutputMinTier types.Tier `yaml:"structured_output_min_tier" toml:"structured_output_min_tier" json:"structured_output_min_tier"`
	AmbiguousDefaultTier    types.Tier `yaml:"ambiguous_default_tier" toml:"ambiguous_default_tier" json:"ambiguous_default_tier"`
	AgenticMode             bool       `yaml:"agentic_mode" toml:"agentic_mode" json:"agentic_mode"`
}

// TiersFor returns the agentic table when requested and configured, else the standard one.
func (c *RoutingConfig) TiersFor(agentic bool) TierTable {
	if agentic && c.AgenticTiers != nil {
		return *c.AgenticTiers
	}
	return c.Tiers
}

// Validate checks structural invariants of the configuration.
func (c *RoutingConfig) Validate() error {
	var errs []error

	tables := map[string]*TierTable{"tiers": &c.Tiers}
	if c.AgenticTiers != nil {
		tables["agentic_tiers"] = c.AgenticTiers
	}
	for name, table := range tables {
		for _, tier := range types.AllTiers {
			if table.For(tier).Primary == "" {
				errs = append(errs, fmt.Errorf("%s.%s: primary model is required", name, tier))
			}
		}
		if table.Complex.Primary != "" && table.Complex.Primary == table.Reasoning.Primary {
			errs = append(errs, fmt.Errorf("%s: COMPLEX and REASONING must use different primary models (both %q)", name, table.Complex.Primary))
		}
	}

	b := c.Scoring.TierBoundaries
	if !(b.SimpleMedium < b.MediumComplex && b.MediumComplex < b.ComplexReasoning) {
		errs = append(errs, fmt.Errorf("tier boundaries must be strictly ascending, got %.3f/%.3f/%.3f", b.SimpleMedium, b.MediumComplex, b.ComplexReasoning))
	}
	if c.Scoring.ConfidenceSteepness <= 0 {
		errs = append(errs, errors.New("confidence_steepness must be positive"))
	}
	if c.Scoring.ConfidenceThreshold < 0 || c.Scoring.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be in [0,1], got %.3f", c.Scoring.ConfidenceThreshold))
	}
	for name := range c.Scoring.DimensionWeights {
		if !knownDimension(name) {
			errs = append(errs, fmt.Errorf("unknown scoring dimension %q", name))
		}
	}
	if !c.Overrides.StructuredOutputMinTier.Valid() || !c.Overrides.AmbiguousDefaultTier.Valid() {
		errs = append(errs, errors.New("override tiers must be valid"))
	}
	if c.Overrides.MaxTokensForceComplex <= 0 {
		errs = append(errs, errors.New("max_tokens_force_complex must be positive"))
	}

	return errors.Join(errs...)
}

func knownDimension(name string) bool {
	for _, d := range AllDimensions {
		if d == name {
			return true
		}
	}
	return false
}

// DefaultRoutingConfig returns the built-in routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		Version: "2",
		Scoring: ScoringConfig{
			TokenCountThresholds:   TokenThresholds{Simple: 50, Complex: 500},
			CodeKeywords:           clone(codeKeywords),
			ReasoningKeywords:      clone(reasoningKeywords),
			SimpleKeywords:         clone(simpleKeywords),
			TechnicalKeywords:      clone(technicalKeywords),
			CreativeKeywords:       clone(creativeKeywords),
			ImperativeVerbs:        clone(imperativeVerbs),
			ConstraintIndicators:   clone(constraintIndicators),
			OutputFormatKeywords:   clone(outputFormatKeywords),
			ReferenceKeywords:      clone(referenceKeywords),
			NegationKeywords:       clone(negationKeywords),
			DomainSpecificKeywords: clone(domainSpecificKeywords),
			AgenticTaskKeywords:    clone(agenticTaskKeywords),
			DimensionWeights: map[string]float64{
				DimTokenCount:          0.08,
				DimCodePresence:        0.15,
				DimReasoningMarkers:    0.18,
				DimSimpleIndicators:    0.12,
				DimTechnicalTerms:      0.10,
				DimCreativeMarkers:     0.05,
				DimMultiStepPatterns:   0.12,
				DimImperativeVerbs:     0.03,
				DimConstraintCount:     0.04,
				DimOutputFormat:        0.03,
				DimReferenceComplexity: 0.02,
				DimNegationComplexity:  0.01,
				DimDomainSpecificity:   0.02,
				DimAgenticTask:         0.04,
			},
			TierBoundaries: TierBoundaries{
				SimpleMedium:     0.0,
				MediumComplex:    0.3,
				ComplexReasoning: 0.5,
			},
			ConfidenceSteepness: 12,
			ConfidenceThreshold: 0.7,
			ToolUseAgenticBoost: 0.4,
		},
		Tiers: TierTable{
			Simple: TierConfig{
				Primary:  "google/gemini-2.5-flash",
				Fallback: []string{"deepseek/deepseek-chat", "openai/gpt-4o-mini"},
			},
			Medium: TierConfig{
				Primary:  "deepseek/deepseek-chat",
				Fallback: []string{"google/gemini-2.5-flash", "openai/gpt-4o-mini"},
			},
			Complex: TierConfig{
				Primary:  "google/gemini-2.5-pro",
				Fallback: []string{"anthropic/claude-sonnet-4", "openai/gpt-4o"},
			},
			Reasoning: TierConfig{
				Primary:  "deepseek/deepseek-reasoner",
				Fallback: []string{"openai/o3-mini", "openai/o3"},
			},
		},
		AgenticTiers: &TierTable{
			Simple: TierConfig{
				Primary:  "anthropic/claude-haiku-4.5",
				Fallback: []string{"moonshot/kimi-k2.5", "openai/gpt-5-mini"},
			},
			Medium: TierConfig{
				Primary:  "moonshot/kimi-k2.5",
				Fallback: []string{"anthropic/claude-haiku-4.5", "openai/gpt-5-mini"},
			},
			Complex: TierConfig{
				Primary:  "anthropic/claude-sonnet-4",
				Fallback: []string{"openai/gpt-5.2", "google/gemini-2.5-pro"},
			},
			Reasoning: TierConfig{
				Primary:  "anthropic/claude-opus-4.5",
				Fallback: []string{"openai/o3", "deepseek/deepseek-reasoner"},
			},
		},
		Overrides: OverridesConfig{
			MaxTokensForceComplex:   128000,
			StructuredOutputMinTier: types.TierMedium,
			AmbiguousDefaultTier:    types.TierMedium,
		},
	}
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
