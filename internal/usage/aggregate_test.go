package usage

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

func streamAll(t *testing.T, mem *store.Memory, query store.TransactionQuery) store.TransactionIterator {
	t.Helper()
	it, errStream := mem.Transactions.Stream(context.Background(), query)
	if errStream != nil {
		t.Fatalf("stream: %v", errStream)
	}
	return it
}

func TestConversationsContributeTokensOnly(t *testing.T) {
	conversations := []models.Conversation{
		{
			ID:          "c-1",
			WorkspaceID: "ws-1",
			Provider:    "openai",
			Model:       "gpt-4o",
			TokenUsage:  datatypes.JSON(`{"input_tokens":100,"output_tokens":40,"total_tokens":140}`),
			CostMicros:  99_999, // informational only, must never surface
		},
		{
			ID:          "c-2",
			WorkspaceID: "ws-1",
			Provider:    "anthropic",
			Model:       "claude-3-5-haiku",
			Byok:        true,
			TokenUsage:  datatypes.JSON(`{"input_tokens":50,"output_tokens":10,"total_tokens":60}`),
		},
	}

	stats := AggregateConversations(conversations)
	if stats.CostMicros != 0 || stats.RerankingCostMicros != 0 {
		t.Fatalf("expected zero cost from conversations, got %+v", stats)
	}
	if stats.Tokens.Total != 200 || stats.Tokens.Input != 150 || stats.Tokens.Output != 50 {
		t.Fatalf("unexpected token totals: %+v", stats.Tokens)
	}
	if stats.ByokTokens.Total != 60 || stats.PlatformTokens.Total != 140 {
		t.Fatalf("unexpected byok split: byok=%+v platform=%+v", stats.ByokTokens, stats.PlatformTokens)
	}
	if stats.TokensByModel["gpt-4o"].Total != 140 || stats.TokensByProvider["anthropic"].Total != 60 {
		t.Fatalf("unexpected breakdowns: %+v", stats)
	}
}

func TestDoubleEncodedTokenUsageParsed(t *testing.T) {
	conversations := []models.Conversation{{
		ID:          "c-1",
		WorkspaceID: "ws-1",
		TokenUsage:  datatypes.JSON(`"{\"input_tokens\":30,\"output_tokens\":12,\"total_tokens\":42}"`),
	}}
	stats := AggregateConversations(conversations)
	if stats.Tokens.Total != 42 {
		t.Fatalf("expected double-encoded usage parsed, got %+v", stats.Tokens)
	}
}

func TestMalformedTokenUsageSkippedNotFatal(t *testing.T) {
	conversations := []models.Conversation{
		{ID: "bad-1", WorkspaceID: "ws-1", TokenUsage: datatypes.JSON(`not json`)},
		{ID: "bad-2", WorkspaceID: "ws-1"},
		{ID: "ok", WorkspaceID: "ws-1", TokenUsage: datatypes.JSON(`{"total_tokens":10,"input_tokens":10}`)},
	}
	stats := AggregateConversations(conversations)
	if stats.Tokens.Total != 10 {
		t.Fatalf("expected corrupt rows skipped, got %+v", stats.Tokens)
	}
}

func TestTransactionsExcludeToolAndPurchaseRows(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	rows := []models.CreditTransaction{
		{ID: "t-1", WorkspaceID: "ws-1", AmountMicros: -45_000, Source: models.SourceTextGeneration, Model: "gpt-4o"},
		{ID: "t-2", WorkspaceID: "ws-1", AmountMicros: 5_000, Source: models.SourceTextGeneration, Model: "gpt-4o"}, // refund delta
		{ID: "t-3", WorkspaceID: "ws-1", AmountMicros: -2_000, Source: models.SourceEmbeddingGeneration, Model: "text-embedding-3-small"},
		{ID: "t-4", WorkspaceID: "ws-1", AmountMicros: -10_000, Source: models.SourceToolExecution, ToolCall: "web_search", Supplier: "tavily"},
		{ID: "t-5", WorkspaceID: "ws-1", AmountMicros: 500_000, Source: models.SourceCreditPurchase},
	}
	for i := range rows {
		if errAppend := mem.Transactions.Append(ctx, &rows[i]); errAppend != nil {
			t.Fatalf("append: %v", errAppend)
		}
	}

	stats, errAgg := AggregateTransactions(streamAll(t, mem, store.TransactionQuery{WorkspaceID: "ws-1"}))
	if errAgg != nil {
		t.Fatalf("aggregate: %v", errAgg)
	}
	if stats.CostMicros != 42_000 {
		t.Fatalf("expected generation cost 42000, got %d", stats.CostMicros)
	}
	if stats.CostByType[ChargeTextGeneration] != 40_000 || stats.CostByType[ChargeEmbeddings] != 2_000 {
		t.Fatalf("unexpected cost by type: %+v", stats.CostByType)
	}
}

func TestToolTransactionsSeparateRerankCost(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	rows := []models.CreditTransaction{
		{ID: "t-1", WorkspaceID: "ws-1", AmountMicros: -12_000, Source: models.SourceToolExecution, ToolCall: "rerank", Supplier: "cohere"},
		{ID: "t-2", WorkspaceID: "ws-1", AmountMicros: -10_000, Source: models.SourceToolExecution, ToolCall: "web_search", Supplier: "tavily"},
		{ID: "t-3", WorkspaceID: "ws-1", AmountMicros: -5_000, Source: models.SourceToolExecution, ToolCall: "scrape", Supplier: "firecrawl"},
		{ID: "t-4", WorkspaceID: "ws-1", AmountMicros: -45_000, Source: models.SourceTextGeneration, Model: "gpt-4o"},
	}
	for i := range rows {
		if errAppend := mem.Transactions.Append(ctx, &rows[i]); errAppend != nil {
			t.Fatalf("append: %v", errAppend)
		}
	}

	stats, errAgg := AggregateToolTransactions(streamAll(t, mem, store.TransactionQuery{
		WorkspaceID: "ws-1",
		Sources:     []string{models.SourceToolExecution},
	}))
	if errAgg != nil {
		t.Fatalf("aggregate: %v", errAgg)
	}
	if stats.RerankingCostMicros != 12_000 {
		t.Fatalf("expected rerank cost 12000, got %d", stats.RerankingCostMicros)
	}
	// Rerank lives only in its dedicated counter plus cost-by-type.
	if stats.CostMicros != 15_000 {
		t.Fatalf("expected non-rerank tool cost 15000, got %d", stats.CostMicros)
	}
	if stats.ToolExpenses["web_search-tavily"] != 10_000 || stats.ToolExpenses["scrape-firecrawl"] != 5_000 {
		t.Fatalf("unexpected tool expenses: %+v", stats.ToolExpenses)
	}
	if _, ok := stats.ToolExpenses["rerank-cohere"]; ok {
		t.Fatalf("expected no rerank tool-expense bucket, got %+v", stats.ToolExpenses)
	}
}

func TestMergeAssociativeAndCommutative(t *testing.T) {
	a := UsageStats{
		Tokens:     TokenCounts{Input: 10, Output: 5, Total: 15},
		CostMicros: 100,
		CostByType: map[string]int64{ChargeTextGeneration: 100},
	}
	b := UsageStats{
		Tokens:              TokenCounts{Input: 1, Output: 2, Total: 3},
		RerankingCostMicros: 50,
		TokensByModel:       map[string]TokenCounts{"gpt-4o": {Total: 3}},
	}
	c := UsageStats{
		CostMicros:   7,
		ToolExpenses: map[string]int64{"web_search-tavily": 7},
	}

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	swapped := Merge(c, b, a)

	for _, got := range []UsageStats{right, swapped} {
		if got.Tokens != left.Tokens ||
			got.CostMicros != left.CostMicros ||
			got.RerankingCostMicros != left.RerankingCostMicros ||
			got.CostByType[ChargeTextGeneration] != left.CostByType[ChargeTextGeneration] ||
			got.ToolExpenses["web_search-tavily"] != left.ToolExpenses["web_search-tavily"] ||
			got.TokensByModel["gpt-4o"] != left.TokensByModel["gpt-4o"] {
			t.Fatalf("expected identical merge results, got %+v vs %+v", got, left)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		source, toolCall, supplier, model string
		want                              string
	}{
		{models.SourceTextGeneration, "", "", "gpt-4o", ChargeTextGeneration},
		{models.SourceTextGeneration, "", "", "dall-e-3", ChargeImageGeneration},
		{models.SourceTextGeneration, "", "", "flux-1.1-pro", ChargeImageGeneration},
		{models.SourceEmbeddingGeneration, "", "", "text-embedding-3-small", ChargeEmbeddings},
		{models.SourceToolExecution, "rerank", "cohere", "", ChargeReranking},
		{models.SourceToolExecution, "scrape", "firecrawl", "", ChargeScrape},
		{models.SourceToolExecution, "web_search", "tavily", "", ChargeTool},
		{models.SourceToolExecution, "", "", "", ChargeOther},
		{"mystery-source", "", "", "", ChargeOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.source, tc.toolCall, tc.supplier, tc.model); got != tc.want {
			t.Fatalf("Classify(%q,%q,%q,%q) = %q, want %q", tc.source, tc.toolCall, tc.supplier, tc.model, got, tc.want)
		}
	}
}

func TestTokensNeverImplyCost(t *testing.T) {
	// A workspace with conversation tokens but no settled transactions
	// reports zero cost; aggregation never derives cost from tokens.
	conversations := []models.Conversation{{
		ID:          "c-1",
		WorkspaceID: "ws-1",
		TokenUsage:  datatypes.JSON(`{"input_tokens":1000000,"output_tokens":1000000,"total_tokens":2000000}`),
		CreatedAt:   time.Now().UTC(),
	}}
	stats := AggregateConversations(conversations)
	if stats.CostMicros != 0 {
		t.Fatalf("expected no cost derived from tokens, got %d", stats.CostMicros)
	}
}
