// Package usage aggregates settled ledger data into reporting statistics.
//
// The no-double-counting rule: conversations contribute tokens only, never
// cost; every cost figure comes exclusively from transaction or aggregate
// rows. Each aggregation function populates only the categories its data
// source legitimately owns, and Merge performs no cross-category inference.
package usage

import (
	"strings"

	"github.com/chatforge/creditledger/internal/models"
)

// Charge types produced by Classify. Stable: historical data must never
// reclassify.
const (
	ChargeTextGeneration  = "text_generation"
	ChargeImageGeneration = "image_generation"
	ChargeEmbeddings      = "embeddings"
	ChargeReranking       = "reranking"
	ChargeScrape          = "scrape"
	ChargeTool            = "tool"
	ChargeOther           = "other"
)

// TokenCounts sums token usage.
type TokenCounts struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
	Total  int64 `json:"total_tokens"`
}

// add accumulates another count set.
func (c *TokenCounts) add(other TokenCounts) {
	c.Input += other.Input
	c.Output += other.Output
	c.Total += other.Total
}

// UsageStats is the tree of counters returned by the reporting surface.
// All cost fields are micro-credits.
type UsageStats struct {
	Tokens           TokenCounts            `json:"tokens"`
	TokensByModel    map[string]TokenCounts `json:"tokens_by_model,omitempty"`
	TokensByProvider map[string]TokenCounts `json:"tokens_by_provider,omitempty"`
	ByokTokens       TokenCounts            `json:"byok_tokens"`
	PlatformTokens   TokenCounts            `json:"platform_tokens"`

	CostMicros          int64            `json:"cost_micros"`
	RerankingCostMicros int64            `json:"reranking_cost_micros"`
	CostByType          map[string]int64 `json:"cost_by_type,omitempty"`
	ToolExpenses        map[string]int64 `json:"tool_expenses,omitempty"`
}

// Merge sums stats across every numeric field and nested map. Associative
// and commutative; callers merge recent and historical stats in any order.
// Cost is only ever summed, never re-derived from tokens.
func Merge(stats ...UsageStats) UsageStats {
	var out UsageStats
	for _, s := range stats {
		out.Tokens.add(s.Tokens)
		out.ByokTokens.add(s.ByokTokens)
		out.PlatformTokens.add(s.PlatformTokens)
		out.CostMicros += s.CostMicros
		out.RerankingCostMicros += s.RerankingCostMicros

		for model, counts := range s.TokensByModel {
			if out.TokensByModel == nil {
				out.TokensByModel = make(map[string]TokenCounts)
			}
			merged := out.TokensByModel[model]
			merged.add(counts)
			out.TokensByModel[model] = merged
		}
		for provider, counts := range s.TokensByProvider {
			if out.TokensByProvider == nil {
				out.TokensByProvider = make(map[string]TokenCounts)
			}
			merged := out.TokensByProvider[provider]
			merged.add(counts)
			out.TokensByProvider[provider] = merged
		}
		for chargeType, cost := range s.CostByType {
			if out.CostByType == nil {
				out.CostByType = make(map[string]int64)
			}
			out.CostByType[chargeType] += cost
		}
		for key, cost := range s.ToolExpenses {
			if out.ToolExpenses == nil {
				out.ToolExpenses = make(map[string]int64)
			}
			out.ToolExpenses[key] += cost
		}
	}
	return out
}

// Classify maps a transaction's identity to a charge type. Pure function of
// its arguments; combinations that match nothing fall into the generic
// bucket instead of failing aggregation.
func Classify(source, toolCall, supplier, model string) string {
	switch source {
	case models.SourceTextGeneration:
		if isImageModel(model) {
			return ChargeImageGeneration
		}
		return ChargeTextGeneration
	case models.SourceEmbeddingGeneration:
		return ChargeEmbeddings
	case models.SourceToolExecution:
		switch strings.ToLower(strings.TrimSpace(toolCall)) {
		case "rerank":
			return ChargeReranking
		case "scrape":
			return ChargeScrape
		case "":
			return ChargeOther
		default:
			return ChargeTool
		}
	default:
		return ChargeOther
	}
}

// toolExpenseKey builds the "{toolCall}-{supplier}" breakdown key.
func toolExpenseKey(toolCall, supplier string) string {
	return toolCall + "-" + supplier
}

// isImageModel recognizes image generation models billed through the text
// generation source.
func isImageModel(model string) bool {
	model = strings.ToLower(model)
	return strings.Contains(model, "dall-e") ||
		strings.Contains(model, "image") ||
		strings.Contains(model, "flux")
}
