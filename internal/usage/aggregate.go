package usage

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/pricing"
	"github.com/chatforge/creditledger/internal/store"
)

// AggregateConversations sums token counts from conversation records.
//
// Tokens only: any cost field stored on a conversation is informational and
// ignored here, because cost is sourced exclusively from transactions. Rows
// without parseable token usage are skipped with a diagnostic, never an
// error; one corrupt record must not block reporting for a workspace.
func AggregateConversations(conversations []models.Conversation) UsageStats {
	out := UsageStats{
		TokensByModel:    make(map[string]TokenCounts),
		TokensByProvider: make(map[string]TokenCounts),
	}
	for _, conversation := range conversations {
		tokenUsage, errParse := parseTokenUsage(conversation.TokenUsage)
		if errParse != nil {
			log.WithError(errParse).WithField("conversation", conversation.ID).
				Debug("usage: skipping conversation with unparseable token usage")
			continue
		}
		counts := TokenCounts{
			Input:  tokenUsage.InputTokens,
			Output: tokenUsage.OutputTokens,
			Total:  tokenUsage.Total(),
		}
		out.Tokens.add(counts)
		if conversation.Byok {
			out.ByokTokens.add(counts)
		} else {
			out.PlatformTokens.add(counts)
		}
		if conversation.Model != "" {
			merged := out.TokensByModel[conversation.Model]
			merged.add(counts)
			out.TokensByModel[conversation.Model] = merged
		}
		if conversation.Provider != "" {
			merged := out.TokensByProvider[conversation.Provider]
			merged.add(counts)
			out.TokensByProvider[conversation.Provider] = merged
		}
	}
	return out
}

// AggregateTransactions streams non-tool ledger entries into generation
// cost statistics. Credit purchases never count as cost.
func AggregateTransactions(it store.TransactionIterator) (UsageStats, error) {
	defer it.Close()
	out := UsageStats{CostByType: make(map[string]int64)}
	for {
		row, ok, errNext := it.Next()
		if errNext != nil {
			return out, fmt.Errorf("usage: streaming transactions: %w", errNext)
		}
		if !ok {
			return out, nil
		}
		switch row.Source {
		case models.SourceToolExecution, models.SourceCreditPurchase:
			continue
		}
		cost := -row.AmountMicros // debit-negative convention; refunds reduce cost
		out.CostMicros += cost
		out.CostByType[Classify(row.Source, row.ToolCall, row.Supplier, row.Model)] += cost
	}
}

// AggregateToolTransactions streams tool-execution entries into tool cost
// statistics. Reranking cost is attributed here and only here; everything
// else lands in the overall cost plus its "{toolCall}-{supplier}" expense
// bucket. The iterator keeps memory flat no matter the transaction volume.
func AggregateToolTransactions(it store.TransactionIterator) (UsageStats, error) {
	defer it.Close()
	out := UsageStats{
		CostByType:   make(map[string]int64),
		ToolExpenses: make(map[string]int64),
	}
	for {
		row, ok, errNext := it.Next()
		if errNext != nil {
			return out, fmt.Errorf("usage: streaming tool transactions: %w", errNext)
		}
		if !ok {
			return out, nil
		}
		if row.Source != models.SourceToolExecution {
			continue
		}
		cost := -row.AmountMicros
		chargeType := Classify(row.Source, row.ToolCall, row.Supplier, row.Model)
		if chargeType == ChargeReranking {
			out.RerankingCostMicros += cost
			out.CostByType[ChargeReranking] += cost
			continue
		}
		out.CostMicros += cost
		out.CostByType[chargeType] += cost
		out.ToolExpenses[toolExpenseKey(row.ToolCall, row.Supplier)] += cost
	}
}

// parseTokenUsage reads a conversation's token usage column. The payload is
// a JSON object, but historical rows sometimes carry it double-encoded as a
// JSON string.
func parseTokenUsage(raw []byte) (pricing.TokenUsage, error) {
	if len(raw) == 0 {
		return pricing.TokenUsage{}, fmt.Errorf("empty token usage")
	}
	var usage pricing.TokenUsage
	if errDirect := json.Unmarshal(raw, &usage); errDirect == nil {
		return usage, nil
	}
	var encoded string
	if errString := json.Unmarshal(raw, &encoded); errString != nil {
		return pricing.TokenUsage{}, fmt.Errorf("token usage is neither object nor string")
	}
	if errNested := json.Unmarshal([]byte(encoded), &usage); errNested != nil {
		return pricing.TokenUsage{}, fmt.Errorf("double-encoded token usage: %w", errNested)
	}
	return usage, nil
}
