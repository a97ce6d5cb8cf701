package usage

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

// defaultRecentWindow splits transaction-level from pre-aggregated data.
// Days older than this are served from the rollup table.
const defaultRecentWindow = 7 * 24 * time.Hour

// Querier is the externally callable reporting entry point. It selects the
// recent (transaction-level) or historical (pre-aggregated) strategy per
// date, transparently to the caller.
type Querier struct {
	transactions  store.TransactionLog
	aggregates    store.AggregateStore
	conversations store.ConversationStore
	recentWindow  time.Duration
}

// NewQuerier constructs the usage query surface.
func NewQuerier(transactions store.TransactionLog, aggregates store.AggregateStore, conversations store.ConversationStore) *Querier {
	return &Querier{
		transactions:  transactions,
		aggregates:    aggregates,
		conversations: conversations,
		recentWindow:  defaultRecentWindow,
	}
}

// SetRecentWindow overrides the recent/historical split. Tests use this.
func (q *Querier) SetRecentWindow(window time.Duration) {
	if window > 0 {
		q.recentWindow = window
	}
}

// QueryParams selects the workspace and date range to report on.
type QueryParams struct {
	WorkspaceID string
	Start       time.Time
	End         time.Time
}

// QueryUsageStats produces the merged usage statistics for one workspace
// and date range without counting the same micro-credit twice.
//
// The split between the rollup table and transaction replay is made on day
// boundaries: rollup rows cover whole days, so every day is owned by exactly
// one source. Days strictly before the cutoff's day come from the rollup;
// the cutoff's day and everything after replay from transactions.
func (q *Querier) QueryUsageStats(ctx context.Context, params QueryParams) (UsageStats, error) {
	end := params.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := params.Start
	cutoffDay := dayStart(time.Now().UTC().Add(-q.recentWindow))

	var parts []UsageStats

	// Historical share: pre-aggregated days strictly before the cutoff day.
	if dayStart(start).Before(cutoffDay) {
		historicalEnd := end
		if !historicalEnd.Before(cutoffDay) {
			historicalEnd = cutoffDay.Add(-24 * time.Hour)
		}
		historical, errHistorical := q.historicalStats(ctx, params.WorkspaceID, start, historicalEnd)
		if errHistorical != nil {
			return UsageStats{}, errHistorical
		}
		parts = append(parts, historical)
	}

	// Recent share: replay transactions from the cutoff day onward.
	if !end.Before(cutoffDay) {
		recentStart := start
		if recentStart.Before(cutoffDay) {
			recentStart = cutoffDay
		}
		recent, errRecent := q.recentStats(ctx, params.WorkspaceID, recentStart, end)
		if errRecent != nil {
			return UsageStats{}, errRecent
		}
		parts = append(parts, recent)
	}

	return Merge(parts...), nil
}

// recentStats aggregates transaction-level data plus conversation tokens.
func (q *Querier) recentStats(ctx context.Context, workspaceID string, start, end time.Time) (UsageStats, error) {
	nonToolIt, errNonTool := q.transactions.Stream(ctx, store.TransactionQuery{
		WorkspaceID:    workspaceID,
		Start:          start,
		End:            end,
		ExcludeSources: []string{models.SourceToolExecution, models.SourceCreditPurchase},
	})
	if errNonTool != nil {
		return UsageStats{}, errNonTool
	}
	generationStats, errGeneration := AggregateTransactions(nonToolIt)
	if errGeneration != nil {
		return UsageStats{}, errGeneration
	}

	toolIt, errTool := q.transactions.Stream(ctx, store.TransactionQuery{
		WorkspaceID: workspaceID,
		Start:       start,
		End:         end,
		Sources:     []string{models.SourceToolExecution},
	})
	if errTool != nil {
		return UsageStats{}, errTool
	}
	toolStats, errToolAgg := AggregateToolTransactions(toolIt)
	if errToolAgg != nil {
		return UsageStats{}, errToolAgg
	}

	conversations, errConversations := q.conversations.ListByWorkspace(ctx, workspaceID, start, end)
	if errConversations != nil {
		return UsageStats{}, errConversations
	}
	conversationStats := AggregateConversations(conversations)

	return Merge(generationStats, toolStats, conversationStats), nil
}

// historicalStats converts pre-aggregated rollup rows into stats.
func (q *Querier) historicalStats(ctx context.Context, workspaceID string, start, end time.Time) (UsageStats, error) {
	rows, errQuery := q.aggregates.QueryAggregates(ctx, workspaceID, start, end)
	if errQuery != nil {
		return UsageStats{}, errQuery
	}
	out := UsageStats{
		TokensByModel:    make(map[string]TokenCounts),
		TokensByProvider: make(map[string]TokenCounts),
		CostByType:       make(map[string]int64),
		ToolExpenses:     make(map[string]int64),
	}
	for _, row := range rows {
		counts := TokenCounts{Input: row.InputTokens, Output: row.OutputTokens, Total: row.TotalTokens}
		out.Tokens.add(counts)
		out.PlatformTokens.add(counts)
		if row.Model != "" {
			merged := out.TokensByModel[row.Model]
			merged.add(counts)
			out.TokensByModel[row.Model] = merged
		}
		if row.Provider != "" {
			merged := out.TokensByProvider[row.Provider]
			merged.add(counts)
			out.TokensByProvider[row.Provider] = merged
		}

		switch row.Kind {
		case models.AggregateKindTool:
			chargeType := Classify(models.SourceToolExecution, row.ToolCall, row.Supplier, row.Model)
			if chargeType == ChargeReranking {
				out.RerankingCostMicros += row.CostMicros
				out.CostByType[ChargeReranking] += row.CostMicros
				continue
			}
			out.CostMicros += row.CostMicros
			out.CostByType[chargeType] += row.CostMicros
			out.ToolExpenses[toolExpenseKey(row.ToolCall, row.Supplier)] += row.CostMicros
		default:
			out.CostMicros += row.CostMicros
			out.CostByType[Classify(models.SourceTextGeneration, "", "", row.Model)] += row.CostMicros
		}
	}
	return out, nil
}

// ToolAggregatesForDate reads one day of tool aggregates, preferring the
// composite workspace+date index and falling back to a workspace scan with
// client-side filtering when the index is missing. The two paths return
// identical results; any other error propagates unchanged.
func (q *Querier) ToolAggregatesForDate(ctx context.Context, workspaceID string, date time.Time) ([]models.UsageAggregate, error) {
	rows, errPrimary := q.aggregates.QueryToolAggregatesForDate(ctx, workspaceID, date)
	if errPrimary == nil {
		return rows, nil
	}
	if !errors.Is(errPrimary, store.ErrIndexNotFound) {
		return nil, errPrimary
	}
	log.WithField("workspace", workspaceID).
		Warn("usage: date index unavailable, falling back to workspace scan")

	all, errFallback := q.aggregates.QueryAggregatesForWorkspace(ctx, workspaceID)
	if errFallback != nil {
		return nil, errFallback
	}
	day := dayStart(date)
	var out []models.UsageAggregate
	for _, row := range all {
		if row.Kind != models.AggregateKindTool {
			continue
		}
		if dayStart(row.Date).Equal(day) {
			out = append(out, row)
		}
	}
	return out, nil
}

// dayStart normalizes a timestamp to UTC midnight.
func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
