package router

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/af-corp/clawrouter/internal/types"
)

// ScoringResult is the outcome of classifying one request.
type ScoringResult struct {
	Score        float64          `json:"score"`
	Tier         *types.Tier      `json:"tier"` // nil means ambiguous
	Confidence   float64          `json:"confidence"`
	Signals      []string         `json:"signals"`
	AgenticScore float64          `json:"agentic_score"`
	Dimensions   []DimensionScore `json:"dimensions,omitempty"`
}

// Ambiguous reports whether the classifier declined to pick a tier.
func (r ScoringResult) Ambiguous() bool {
	return r.Tier == nil
}

// DimensionScore holds a single dimension's contribution.
type DimensionScore struct {
	Name   string  `json:"name"`
	Raw    float64 `json:"raw"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

var multiStepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfirst\b.*\bthen\b`),
	regexp.MustCompile(`\bstep \d`),
	regexp.MustCompile(`\d\.\s`),
	regexp.MustCompile(`首先.*然后`),
	regexp.MustCompile(`まず.*次に`),
	regexp.MustCompile(`сначала.*затем`),
	regexp.MustCompile(`zuerst.*dann`),
	regexp.MustCompile(`primero.*luego`),
}

// keywordScale maps a match count onto a raw dimension value.
type keywordScale struct {
	low, high         int
	none, lowV, highV float64
}

var (
	codeScale       = keywordScale{low: 1, high: 2, none: 0, lowV: 0.5, highV: 1.0}
	reasoningScale  = keywordScale{low: 1, high: 2, none: 0, lowV: 0.7, highV: 1.0}
	simpleScale     = keywordScale{low: 1, high: 2, none: 0, lowV: -1.0, highV: -1.0}
	technicalScale  = keywordScale{low: 2, high: 4, none: 0, lowV: 0.5, highV: 1.0}
	creativeScale   = keywordScale{low: 1, high: 2, none: 0, lowV: 0.5, highV: 0.7}
	imperativeScale = keywordScale{low: 1, high: 2, none: 0, lowV: 0.3, highV: 0.5}
	constraintScale = keywordScale{low: 1, high: 3, none: 0, lowV: 0.3, highV: 0.7}
	formatScale     = keywordScale{low: 1, high: 2, none: 0, lowV: 0.4, highV: 0.7}
	referenceScale  = keywordScale{low: 1, high: 2, none: 0, lowV: 0.3, highV: 0.5}
	negationScale   = keywordScale{low: 2, high: 3, none: 0, lowV: 0.3, highV: 0.5}
	domainScale     = keywordScale{low: 1, high: 2, none: 0, lowV: 0.5, highV: 0.8}
)

// reasoningOverrideMatches is the number of user-prompt reasoning keywords
// that forces the REASONING tier regardless of the weighted score.
const reasoningOverrideMatches = 2

// Classify scores a prompt across all dimensions and maps the result to a tier.
// Reasoning and agentic keywords are read from the user prompt only, so a shared
// system prompt cannot escalate every request that carries it.
func Classify(prompt, systemPrompt string, estimatedTokens int, cfg ScoringConfig) ScoringResult {
	userText := strings.ToLower(prompt)
	text := userText
	if systemPrompt != "" {
		text = strings.ToLower(systemPrompt) + " " + userText
	}

	var signals []string
	dim := func(name string, raw float64, signal string) DimensionScore {
		if signal != "" {
			signals = append(signals, signal)
		}
		w := cfg.DimensionWeights[name]
		return DimensionScore{Name: name, Raw: raw, Weight: w, Score: raw * w}
	}

	tokenRaw, tokenSignal := scoreTokenCount(estimatedTokens, cfg.TokenCountThresholds)
	codeRaw, codeSignal := scoreKeywords(text, cfg.CodeKeywords, "code", codeScale)
	reasoningRaw, reasoningSignal := scoreKeywords(userText, cfg.ReasoningKeywords, "reasoning", reasoningScale)
	simpleRaw, simpleSignal := scoreKeywords(text, cfg.SimpleKeywords, "simple", simpleScale)
	techRaw, techSignal := scoreKeywords(text, cfg.TechnicalKeywords, "technical", technicalScale)
	creativeRaw, creativeSignal := scoreKeywords(text, cfg.CreativeKeywords, "creative", creativeScale)
	multiRaw, multiSignal := scoreMultiStep(text)
	impRaw, impSignal := scoreKeywords(text, cfg.ImperativeVerbs, "imperative", imperativeScale)
	consRaw, consSignal := scoreKeywords(text, cfg.ConstraintIndicators, "constraints", constraintScale)
	fmtRaw, fmtSignal := scoreKeywords(text, cfg.OutputFormatKeywords, "format", formatScale)
	refRaw, refSignal := scoreKeywords(text, cfg.ReferenceKeywords, "references", referenceScale)
	negRaw, negSignal := scoreKeywords(text, cfg.NegationKeywords, "negation", negationScale)
	domRaw, domSignal := scoreKeywords(text, cfg.DomainSpecificKeywords, "domain", domainScale)
	agenticRaw, agenticScore, agenticSignal := scoreAgentic(userText, cfg.AgenticTaskKeywords)

	dims := []DimensionScore{
		dim(DimTokenCount, tokenRaw, tokenSignal),
		dim(DimCodePresence, codeRaw, codeSignal),
		dim(DimReasoningMarkers, reasoningRaw, reasoningSignal),
		dim(DimSimpleIndicators, simpleRaw, simpleSignal),
		dim(DimTechnicalTerms, techRaw, techSignal),
		dim(DimCreativeMarkers, creativeRaw, creativeSignal),
		dim(DimMultiStepPatterns, multiRaw, multiSignal),
		dim(DimImperativeVerbs, impRaw, impSignal),
		dim(DimConstraintCount, consRaw, consSignal),
		dim(DimOutputFormat, fmtRaw, fmtSignal),
		dim(DimReferenceComplexity, refRaw, refSignal),
		dim(DimNegationComplexity, negRaw, negSignal),
		dim(DimDomainSpecificity, domRaw, domSignal),
		dim(DimAgenticTask, agenticRaw, agenticSignal),
	}

	var score float64
	for _, d := range dims {
		score += d.Score
	}

	result := ScoringResult{
		Score:        score,
		Signals:      signals,
		AgenticScore: agenticScore,
		Dimensions:   dims,
	}

	if len(matchKeywords(userText, cfg.ReasoningKeywords)) >= reasoningOverrideMatches {
		tier := types.TierReasoning
		result.Tier = &tier
		result.Confidence = math.Max(calibrateConfidence(math.Max(score, 0.3), cfg.ConfidenceSteepness), 0.85)
		return result
	}

	tier, distance := tierForScore(score, cfg.TierBoundaries)
	result.Confidence = calibrateConfidence(distance, cfg.ConfidenceSteepness)
	if result.Confidence >= cfg.ConfidenceThreshold {
		result.Tier = &tier
	}
	return result
}

// tierForScore returns the band a score falls in and its distance to the
// nearest boundary of that band.
func tierForScore(score float64, b TierBoundaries) (types.Tier, float64) {
	switch {
	case score < b.SimpleMedium:
		return types.TierSimple, b.SimpleMedium - score
	case score < b.MediumComplex:
		return types.TierMedium, math.Min(score-b.SimpleMedium, b.MediumComplex-score)
	case score < b.ComplexReasoning:
		return types.TierComplex, math.Min(score-b.MediumComplex, b.ComplexReasoning-score)
	default:
		return types.TierReasoning, score - b.ComplexReasoning
	}
}

// calibrateConfidence maps a boundary distance onto (0,1) with a sigmoid.
func calibrateConfidence(distance, steepness float64) float64 {
	return 1.0 / (1.0 + math.Exp(-steepness*distance))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func scoreTokenCount(tokens int, t TokenThresholds) (float64, string) {
	switch {
	case tokens < t.Simple:
		return -1.0, fmt.Sprintf("short (%d tokens)", tokens)
	case tokens > t.Complex:
		return 1.0, fmt.Sprintf("long (%d tokens)", tokens)
	default:
		return 0, ""
	}
}

func scoreKeywords(text string, keywords []string, label string, s keywordScale) (float64, string) {
	matches := matchKeywords(text, keywords)
	switch {
	case len(matches) >= s.high:
		return s.highV, signalFor(label, matches)
	case len(matches) >= s.low:
		return s.lowV, signalFor(label, matches)
	default:
		return s.none, ""
	}
}

func scoreMultiStep(text string) (float64, string) {
	for _, re := range multiStepPatterns {
		if re.MatchString(text) {
			return 0.5, "multi-step"
		}
	}
	return 0, ""
}

// scoreAgentic returns the dimension value and the separate agentic score.
func scoreAgentic(userText string, keywords []string) (float64, float64, string) {
	matches := matchKeywords(userText, keywords)
	switch {
	case len(matches) >= 4:
		return 1.0, 1.0, signalFor("agentic", matches)
	case len(matches) >= 3:
		return 0.6, 0.6, signalFor("agentic", matches)
	case len(matches) >= 1:
		return 0.2, 0.2, signalFor("agentic", matches)
	default:
		return 0, 0, ""
	}
}

func signalFor(label string, matches []string) string {
	if len(matches) > 3 {
		matches = matches[:3]
	}
	return label + " (" + strings.Join(matches, ", ") + ")"
}

func matchKeywords(text string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if containsKeyword(text, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// containsKeyword reports whether kw occurs in text. Keywords in scripts that
// separate words with spaces must start at a word boundary, and short ones
// (three runes or fewer) must also end at one. Keywords in CJK and Thai scripts
// match as plain substrings.
func containsKeyword(text, kw string) bool {
	if kw == "" {
		return false
	}
	first, size := utf8.DecodeRuneInString(kw)
	if !isSpacedScript(first) {
		return strings.Contains(text, kw)
	}
	whole := utf8.RuneCountInString(kw) <= 3

	for from := 0; from < len(text); {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		i += from
		if atWordStart(text, i) && (!whole || atWordEnd(text, i+len(kw))) {
			return true
		}
		from = i + size
	}
	return false
}

func isSpacedScript(r rune) bool {
	if !isWordRune(r) {
		return false
	}
	return !unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul, unicode.Thai)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func atWordStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func atWordEnd(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}
