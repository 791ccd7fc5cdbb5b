package config

import (
	"github.com/af-corp/clawrouter/internal/router"
)

// ModelCatalog lists the models the upstream serves, with pricing and limits.
type ModelCatalog struct {
	Models []ModelInfo `yaml:"models" toml:"models" json:"models"`
}

type ModelInfo struct {
	ID            string  `yaml:"id" toml:"id" json:"id"`
	Name          string  `yaml:"name" toml:"name" json:"name"`
	InputPrice    float64 `yaml:"input_price" toml:"input_price" json:"input_price"`
	OutputPrice   float64 `yaml:"output_price" toml:"output_price" json:"output_price"`
	ContextWindow int     `yaml:"context_window" toml:"context_window" json:"context_window"`
	MaxOutput     int     `yaml:"max_output" toml:"max_output" json:"max_output"`
	Reasoning     bool    `yaml:"reasoning,omitempty" toml:"reasoning,omitempty" json:"reasoning,omitempty"`
	Vision        bool    `yaml:"vision,omitempty" toml:"vision,omitempty" json:"vision,omitempty"`
	Agentic       bool    `yaml:"agentic,omitempty" toml:"agentic,omitempty" json:"agentic,omitempty"`
}

// Lookup returns the catalog entry for id.
func (c *ModelCatalog) Lookup(id string) (ModelInfo, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Pricing builds the selector's price table.
func (c *ModelCatalog) Pricing() router.PricingTable {
	out := make(router.PricingTable, len(c.Models))
	for _, m := range c.Models {
		out[m.ID] = router.ModelPricing{InputPrice: m.InputPrice, OutputPrice: m.OutputPrice}
	}
	return out
}

// ContextWindow reports a model's context window. Zero counts as unknown.
func (c *ModelCatalog) ContextWindow(id string) (int, bool) {
	m, ok := c.Lookup(id)
	if !ok || m.ContextWindow <= 0 {
		return 0, false
	}
	return m.ContextWindow, true
}

// DefaultCatalog returns the built-in model list. Prices are USD per 1M tokens.
func DefaultCatalog() *ModelCatalog {
	return &ModelCatalog{Models: []ModelInfo{
		{ID: "blockrun/auto", Name: "Auto (smart routing)"},

		{ID: "openai/gpt-5.2", Name: "GPT-5.2", InputPrice: 1.75, OutputPrice: 14.0, ContextWindow: 400000, MaxOutput: 128000, Reasoning: true, Vision: true, Agentic: true},
		{ID: "openai/gpt-5-mini", Name: "GPT-5 Mini", InputPrice: 0.25, OutputPrice: 2.0, ContextWindow: 200000, MaxOutput: 65536},
		{ID: "openai/gpt-5-nano", Name: "GPT-5 Nano", InputPrice: 0.05, OutputPrice: 0.40, ContextWindow: 128000, MaxOutput: 32768},
		{ID: "openai/gpt-4o", Name: "GPT-4o", InputPrice: 2.50, OutputPrice: 10.0, ContextWindow: 128000, MaxOutput: 16384, Vision: true, Agentic: true},
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", InputPrice: 0.15, OutputPrice: 0.60, ContextWindow: 128000, MaxOutput: 16384},
		{ID: "openai/o1", Name: "o1", InputPrice: 15.0, OutputPrice: 60.0, ContextWindow: 200000, MaxOutput: 100000, Reasoning: true},
		{ID: "openai/o3", Name: "o3", InputPrice: 2.0, OutputPrice: 8.0, ContextWindow: 200000, MaxOutput: 100000, Reasoning: true},
		{ID: "openai/o3-mini", Name: "o3-mini", InputPrice: 1.10, OutputPrice: 4.40, ContextWindow: 128000, MaxOutput: 65536, Reasoning: true},
		{ID: "openai/o4-mini", Name: "o4-mini", InputPrice: 1.10, OutputPrice: 4.40, ContextWindow: 128000, MaxOutput: 65536, Reasoning: true},

		{ID: "anthropic/claude-haiku-4.5", Name: "Claude Haiku 4.5", InputPrice: 1.0, OutputPrice: 5.0, ContextWindow: 200000, MaxOutput: 8192, Agentic: true},
		{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", InputPrice: 3.0, OutputPrice: 15.0, ContextWindow: 200000, MaxOutput: 64000, Reasoning: true, Agentic: true},
		{ID: "anthropic/claude-opus-4", Name: "Claude Opus 4", InputPrice: 15.0, OutputPrice: 75.0, ContextWindow: 200000, MaxOutput: 32000, Reasoning: true, Agentic: true},
		{ID: "anthropic/claude-opus-4.5", Name: "Claude Opus 4.5", InputPrice: 5.0, OutputPrice: 25.0, ContextWindow: 200000, MaxOutput: 32000, Reasoning: true, Agentic: true},

		{ID: "google/gemini-3-pro-preview", Name: "Gemini 3 Pro Preview", InputPrice: 2.0, OutputPrice: 12.0, ContextWindow: 1050000, MaxOutput: 65536, Reasoning: true, Vision: true},
		{ID: "google/gemini-2.5-pro", Name: "Gemini 2.5 Pro", InputPrice: 1.25, OutputPrice: 10.0, ContextWindow: 1050000, MaxOutput: 65536, Reasoning: true, Vision: true},
		{ID: "google/gemini-2.5-flash", Name: "Gemini 2.5 Flash", InputPrice: 0.15, OutputPrice: 0.60, ContextWindow: 1000000, MaxOutput: 65536},

		{ID: "deepseek/deepseek-chat", Name: "DeepSeek V3.2 Chat", InputPrice: 0.28, OutputPrice: 0.42, ContextWindow: 128000, MaxOutput: 8192},
		{ID: "deepseek/deepseek-reasoner", Name: "DeepSeek V3.2 Reasoner", InputPrice: 0.28, OutputPrice: 0.42, ContextWindow: 128000, MaxOutput: 8192, Reasoning: true},

		{ID: "moonshot/kimi-k2.5", Name: "Kimi K2.5", InputPrice: 0.50, OutputPrice: 2.40, ContextWindow: 262144, MaxOutput: 8192, Reasoning: true, Vision: true, Agentic: true},

		{ID: "xai/grok-3", Name: "Grok 3", InputPrice: 3.0, OutputPrice: 15.0, ContextWindow: 131072, MaxOutput: 16384, Reasoning: true},
		{ID: "xai/grok-3-mini", Name: "Grok 3 Mini", InputPrice: 0.30, OutputPrice: 0.50, ContextWindow: 131072, MaxOutput: 16384},
		{ID: "xai/grok-4-fast-reasoning", Name: "Grok 4 Fast Reasoning", InputPrice: 0.20, OutputPrice: 0.50, ContextWindow: 131072, MaxOutput: 16384, Reasoning: true},
	}}
}
