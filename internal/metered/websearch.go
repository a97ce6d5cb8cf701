package metered

import (
	"context"
	"strings"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
)

// Per-credit prices for search suppliers, in micro-credits.
var searchCreditMicros = map[string]int64{
	"tavily": 8_000,
	"serper": 3_000,
}

// searchDefaultCreditMicros prices an unknown supplier's credit.
const searchDefaultCreditMicros = 10_000

// WebSearch meters external search providers. Usage-based: the provider
// reports how many of its credits a query burned.
//
// Failure does NOT refund. The supplier cannot cheaply tell "charged but
// unusable result" from "not charged", so any attempted call consumes its
// hold. Changing this needs billing's sign-off.
type WebSearch struct {
	engine   *ledger.Engine
	supplier string
}

// NewWebSearch constructs a search adapter for one supplier.
func NewWebSearch(engine *ledger.Engine, supplier string) *WebSearch {
	return &WebSearch{engine: engine, supplier: strings.ToLower(strings.TrimSpace(supplier))}
}

// CreditCostMicros prices n supplier credits.
func (a *WebSearch) CreditCostMicros(credits int64) int64 {
	perCredit, ok := searchCreditMicros[a.supplier]
	if !ok {
		perCredit = searchDefaultCreditMicros
	}
	return credits * perCredit
}

// Begin reserves for the expected number of supplier credits.
func (a *WebSearch) Begin(ctx context.Context, call Call, estimatedCredits int64) (ledger.ReserveResult, error) {
	return a.engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     call.WorkspaceID,
		AgentID:         call.AgentID,
		ConversationID:  call.ConversationID,
		Provider:        call.Provider,
		Model:           call.Model,
		Source:          models.SourceToolExecution,
		ToolCall:        "web_search",
		Supplier:        a.supplier,
		EstimatedMicros: a.CreditCostMicros(estimatedCredits),
		Byok:            call.Byok,
	})
}

// Complete reconciles the hold to the credits the supplier actually consumed.
func (a *WebSearch) Complete(ctx context.Context, call Call, reservationID string, creditsUsed int64) {
	actual := a.CreditCostMicros(creditsUsed)
	outcome, errAdjust := a.engine.Adjust(ctx, ledger.AdjustParams{
		ReservationID:    reservationID,
		WorkspaceID:      call.WorkspaceID,
		Provider:         call.Provider,
		Model:            call.Model,
		ActualCostMicros: &actual,
		Byok:             call.Byok,
	})
	absorb("websearch adjust", reservationID, outcome, errAdjust)
}

// Fail consumes the hold without refund, per the supplier billing policy.
func (a *WebSearch) Fail(ctx context.Context, reservationID string) {
	outcome, errConsume := a.engine.Consume(ctx, reservationID)
	absorb("websearch consume", reservationID, outcome, errConsume)
}
