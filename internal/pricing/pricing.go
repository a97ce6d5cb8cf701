// Package pricing holds the static token price tables.
//
// All functions are pure. Prices are expressed in micro-credits per million
// tokens so cost math stays in integers until the final rounding.
package pricing

import (
	"math"
	"strings"
)

// TokenUsage is the usage detail reported for one model call.
type TokenUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// Total returns the total token count, deriving it when the provider omits it.
func (u TokenUsage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

// modelPrice holds per-million-token prices in micro-credits.
type modelPrice struct {
	inputMicros     float64
	outputMicros    float64
	cacheReadMicros float64
}

// Prices keyed by provider, then by model prefix. Longest matching prefix
// wins, so dated snapshot names resolve to their family row.
var modelPrices = map[string]map[string]modelPrice{
	"openrouter": {
		"anthropic/claude-3.5-sonnet": {inputMicros: 3_000_000, outputMicros: 15_000_000, cacheReadMicros: 300_000},
		"anthropic/claude-3.5-haiku":  {inputMicros: 800_000, outputMicros: 4_000_000, cacheReadMicros: 80_000},
		"openai/gpt-4o":               {inputMicros: 2_500_000, outputMicros: 10_000_000, cacheReadMicros: 1_250_000},
		"openai/gpt-4o-mini":          {inputMicros: 150_000, outputMicros: 600_000, cacheReadMicros: 75_000},
		"meta-llama/llama-3.1-70b":    {inputMicros: 520_000, outputMicros: 750_000},
		"google/gemini-flash-1.5":     {inputMicros: 75_000, outputMicros: 300_000},
	},
	"openai": {
		"gpt-4o":                 {inputMicros: 2_500_000, outputMicros: 10_000_000, cacheReadMicros: 1_250_000},
		"gpt-4o-mini":            {inputMicros: 150_000, outputMicros: 600_000, cacheReadMicros: 75_000},
		"text-embedding-3-small": {inputMicros: 20_000},
		"text-embedding-3-large": {inputMicros: 130_000},
	},
	"anthropic": {
		"claude-3-5-sonnet": {inputMicros: 3_000_000, outputMicros: 15_000_000, cacheReadMicros: 300_000},
		"claude-3-5-haiku":  {inputMicros: 800_000, outputMicros: 4_000_000, cacheReadMicros: 80_000},
	},
	"cohere": {
		"embed-english-v3.0":      {inputMicros: 100_000},
		"embed-multilingual-v3.0": {inputMicros: 100_000},
	},
}

// defaultPrice applies when no table row matches. Priced high so an unknown
// model over-reserves; the adjust step reconciles to the real figure.
var defaultPrice = modelPrice{inputMicros: 5_000_000, outputMicros: 15_000_000}

// TokenCostMicros computes the cost of one call in micro-credits.
//
// Providers that report cached tokens count them inside InputTokens, so
// billable input is InputTokens minus CachedTokens with the cached share
// charged at the cache-read rate. Charging both in full would double-charge
// every cache hit.
func TokenCostMicros(provider, model string, usage TokenUsage) int64 {
	price := lookupPrice(provider, model)

	billableInput := usage.InputTokens
	if usage.CachedTokens > 0 && usage.CachedTokens <= billableInput {
		billableInput -= usage.CachedTokens
	}
	billableOutput := usage.OutputTokens + usage.ReasoningTokens

	total := float64(billableInput) * price.inputMicros
	total += float64(billableOutput) * price.outputMicros
	total += float64(usage.CachedTokens) * price.cacheReadMicros
	return int64(math.Round(total / 1_000_000))
}

// lookupPrice resolves the longest matching model prefix for a provider.
func lookupPrice(provider, model string) modelPrice {
	table, ok := modelPrices[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return defaultPrice
	}
	model = strings.ToLower(strings.TrimSpace(model))
	best := ""
	price := defaultPrice
	for prefix, p := range table {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			price = p
		}
	}
	return price
}
