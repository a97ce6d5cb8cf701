package usage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

func TestQueryUsageStatsMergesRecentAndHistorical(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	// Historical day, outside the recent window, served from the rollup.
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1",
		Date:        now.Add(-30 * 24 * time.Hour).Truncate(24 * time.Hour),
		Kind:        models.AggregateKindGeneration,
		Provider:    "openai",
		Model:       "gpt-4o",
		CostMicros:  80_000,
		InputTokens: 1_000,
		TotalTokens: 1_200,
	})

	// Recent day, replayed from transactions and conversations.
	if errAppend := mem.Transactions.Append(ctx, &models.CreditTransaction{
		ID:           "t-1",
		WorkspaceID:  "ws-1",
		AmountMicros: -45_000,
		Source:       models.SourceTextGeneration,
		Model:        "gpt-4o",
		CreatedAt:    now.Add(-time.Hour),
	}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}
	if errAppend := mem.Transactions.Append(ctx, &models.CreditTransaction{
		ID:           "t-2",
		WorkspaceID:  "ws-1",
		AmountMicros: -10_000,
		Source:       models.SourceToolExecution,
		ToolCall:     "web_search",
		Supplier:     "tavily",
		CreatedAt:    now.Add(-time.Hour),
	}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}
	mem.AddConversation(models.Conversation{
		ID:          "c-1",
		WorkspaceID: "ws-1",
		Model:       "gpt-4o",
		TokenUsage:  datatypes.JSON(`{"input_tokens":500,"output_tokens":100,"total_tokens":600}`),
		CreatedAt:   now.Add(-time.Hour),
	})

	querier := NewQuerier(mem.Transactions, mem.Aggregates, mem.Conversations)
	stats, errQuery := querier.QueryUsageStats(ctx, QueryParams{
		WorkspaceID: "ws-1",
		Start:       now.Add(-60 * 24 * time.Hour),
		End:         now,
	})
	if errQuery != nil {
		t.Fatalf("query: %v", errQuery)
	}

	if stats.CostMicros != 135_000 {
		t.Fatalf("expected merged cost 135000, got %d", stats.CostMicros)
	}
	if stats.Tokens.Total != 1_800 {
		t.Fatalf("expected merged token total 1800, got %d", stats.Tokens.Total)
	}
	if stats.ToolExpenses["web_search-tavily"] != 10_000 {
		t.Fatalf("unexpected tool expenses: %+v", stats.ToolExpenses)
	}
	if stats.CostByType[ChargeTextGeneration] != 125_000 {
		t.Fatalf("unexpected cost by type: %+v", stats.CostByType)
	}
}

func TestQueryUsageStatsRecentOnlyRange(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	// A rollup row inside the queried range would double the figures if the
	// querier read both sources for the same day.
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1",
		Date:        now.Truncate(24 * time.Hour),
		Kind:        models.AggregateKindGeneration,
		CostMicros:  45_000,
	})
	if errAppend := mem.Transactions.Append(ctx, &models.CreditTransaction{
		ID:           "t-1",
		WorkspaceID:  "ws-1",
		AmountMicros: -45_000,
		Source:       models.SourceTextGeneration,
		CreatedAt:    now.Add(-time.Hour),
	}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}

	querier := NewQuerier(mem.Transactions, mem.Aggregates, mem.Conversations)
	stats, errQuery := querier.QueryUsageStats(ctx, QueryParams{
		WorkspaceID: "ws-1",
		Start:       now.Add(-2 * time.Hour),
		End:         now,
	})
	if errQuery != nil {
		t.Fatalf("query: %v", errQuery)
	}
	if stats.CostMicros != 45_000 {
		t.Fatalf("expected cost counted once, got %d", stats.CostMicros)
	}
}

func TestQueryUsageStatsBoundaryDayCountedOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	// The nightly rollup already covers today, and the same charge is still
	// in the transaction log. With a cutoff inside the day, the query range
	// straddles it; each day must come from exactly one source.
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1",
		Date:        now.Truncate(24 * time.Hour),
		Kind:        models.AggregateKindGeneration,
		Model:       "gpt-4o",
		CostMicros:  45_000,
	})
	if errAppend := mem.Transactions.Append(ctx, &models.CreditTransaction{
		ID:           "t-1",
		WorkspaceID:  "ws-1",
		AmountMicros: -45_000,
		Source:       models.SourceTextGeneration,
		Model:        "gpt-4o",
		CreatedAt:    now.Add(-30 * time.Minute),
	}); errAppend != nil {
		t.Fatalf("append: %v", errAppend)
	}

	querier := NewQuerier(mem.Transactions, mem.Aggregates, mem.Conversations)
	querier.SetRecentWindow(time.Hour)
	stats, errQuery := querier.QueryUsageStats(ctx, QueryParams{
		WorkspaceID: "ws-1",
		Start:       now.Add(-48 * time.Hour),
		End:         now,
	})
	if errQuery != nil {
		t.Fatalf("query: %v", errQuery)
	}
	if stats.CostMicros != 45_000 {
		t.Fatalf("expected cost counted once, got %d", stats.CostMicros)
	}
}

func TestToolAggregatesForDateFallbackParity(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1", Date: day, Kind: models.AggregateKindTool,
		ToolCall: "web_search", Supplier: "tavily", CostMicros: 10_000,
	})
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1", Date: day, Kind: models.AggregateKindTool,
		ToolCall: "rerank", Supplier: "cohere", CostMicros: 2_000,
	})
	// Rows the date query must filter out, on either path.
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1", Date: day.Add(-24 * time.Hour), Kind: models.AggregateKindTool,
		ToolCall: "scrape", Supplier: "firecrawl", CostMicros: 5_000,
	})
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-1", Date: day, Kind: models.AggregateKindGeneration, CostMicros: 45_000,
	})
	mem.AddAggregate(models.UsageAggregate{
		WorkspaceID: "ws-2", Date: day, Kind: models.AggregateKindTool,
		ToolCall: "web_search", Supplier: "serper", CostMicros: 3_000,
	})

	querier := NewQuerier(mem.Transactions, mem.Aggregates, mem.Conversations)
	indexed, errIndexed := querier.ToolAggregatesForDate(ctx, "ws-1", day)
	if errIndexed != nil {
		t.Fatalf("indexed query: %v", errIndexed)
	}

	mem.DropDateIndex()
	scanned, errScanned := querier.ToolAggregatesForDate(ctx, "ws-1", day)
	if errScanned != nil {
		t.Fatalf("fallback query: %v", errScanned)
	}

	if len(indexed) != 2 || !reflect.DeepEqual(indexed, scanned) {
		t.Fatalf("expected identical results from both paths, got %+v vs %+v", indexed, scanned)
	}
}

// failingAggregates returns a fixed error from the indexed date query.
type failingAggregates struct {
	store.AggregateStore
	err error
}

func (s failingAggregates) QueryToolAggregatesForDate(ctx context.Context, workspaceID string, date time.Time) ([]models.UsageAggregate, error) {
	return nil, s.err
}

func TestToolAggregatesForDatePropagatesOtherErrors(t *testing.T) {
	mem := store.NewMemory()
	errDown := errors.New("connection reset")
	querier := NewQuerier(mem.Transactions, failingAggregates{AggregateStore: mem.Aggregates, err: errDown}, mem.Conversations)

	_, errQuery := querier.ToolAggregatesForDate(context.Background(), "ws-1", time.Now())
	if !errors.Is(errQuery, errDown) {
		t.Fatalf("expected non-index error propagated, got %v", errQuery)
	}
}
