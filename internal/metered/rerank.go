package metered

import (
	"context"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
)

// rerankQueryMicros is the provisional price of one rerank query.
const rerankQueryMicros = 2_000

// Rerank meters reranking calls. The adjust step applies a provisional
// cost; the supplier later confirms an exact figure which Finalize applies.
// Failure consumes the hold, same policy as search suppliers.
type Rerank struct {
	engine *ledger.Engine
}

// NewRerank constructs the rerank adapter.
func NewRerank(engine *ledger.Engine) *Rerank { return &Rerank{engine: engine} }

// Begin reserves the provisional cost for a batch of rerank queries.
func (a *Rerank) Begin(ctx context.Context, call Call, queries int64) (ledger.ReserveResult, error) {
	return a.engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     call.WorkspaceID,
		AgentID:         call.AgentID,
		ConversationID:  call.ConversationID,
		Provider:        call.Provider,
		Model:           call.Model,
		Source:          models.SourceToolExecution,
		ToolCall:        "rerank",
		Supplier:        call.Provider,
		EstimatedMicros: queries * rerankQueryMicros,
		Byok:            call.Byok,
	})
}

// Complete reconciles the hold to the provisional cost.
func (a *Rerank) Complete(ctx context.Context, call Call, reservationID string, provisionalMicros int64) {
	outcome, errAdjust := a.engine.Adjust(ctx, ledger.AdjustParams{
		ReservationID:    reservationID,
		WorkspaceID:      call.WorkspaceID,
		Provider:         call.Provider,
		Model:            call.Model,
		ActualCostMicros: &provisionalMicros,
		Byok:             call.Byok,
	})
	absorb("rerank adjust", reservationID, outcome, errAdjust)
}

// Verify replaces the provisional cost with the supplier-verified figure.
func (a *Rerank) Verify(ctx context.Context, reservationID string, verifiedMicros int64) {
	outcome, errFinalize := a.engine.Finalize(ctx, reservationID, verifiedMicros, ledger.DefaultMaxRetries)
	absorb("rerank finalize", reservationID, outcome, errFinalize)
}

// Fail consumes the hold without refund.
func (a *Rerank) Fail(ctx context.Context, reservationID string) {
	outcome, errConsume := a.engine.Consume(ctx, reservationID)
	absorb("rerank consume", reservationID, outcome, errConsume)
}
