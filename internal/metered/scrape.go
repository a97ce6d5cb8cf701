package metered

import (
	"context"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
)

// ScrapeCostMicros is the flat price of one scrape, no variable component.
const ScrapeCostMicros = 5_000

// Scrape meters page scraping. Fixed-cost: there is no adjustment phase,
// the reserve transaction is the only ledger entry, and success just
// discards the hold. Failure also keeps the charge.
type Scrape struct {
	engine *ledger.Engine
}

// NewScrape constructs the scrape adapter.
func NewScrape(engine *ledger.Engine) *Scrape { return &Scrape{engine: engine} }

// Begin reserves the flat scrape cost.
func (a *Scrape) Begin(ctx context.Context, call Call, pages int64) (ledger.ReserveResult, error) {
	if pages <= 0 {
		pages = 1
	}
	return a.engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     call.WorkspaceID,
		AgentID:         call.AgentID,
		ConversationID:  call.ConversationID,
		Provider:        call.Provider,
		Model:           call.Model,
		Source:          models.SourceToolExecution,
		ToolCall:        "scrape",
		Supplier:        call.Provider,
		EstimatedMicros: pages * ScrapeCostMicros,
		Byok:            call.Byok,
	})
}

// Complete discards the hold; the reserved amount stands as the charge.
func (a *Scrape) Complete(ctx context.Context, reservationID string) {
	outcome, errComplete := a.engine.CompleteFixed(ctx, reservationID)
	absorb("scrape complete", reservationID, outcome, errComplete)
}

// Fail discards the hold without refund.
func (a *Scrape) Fail(ctx context.Context, reservationID string) {
	outcome, errConsume := a.engine.Consume(ctx, reservationID)
	absorb("scrape fail", reservationID, outcome, errConsume)
}
