package metered

import (
	"context"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/pricing"
)

// Reserve headroom for token-based tools: the estimate is padded by a
// quarter so a response that runs slightly long still fits inside the hold.
const (
	reserveHeadroomNum = 5
	reserveHeadroomDen = 4
)

// LLM meters text generation. Token-usage based, may fan out into several
// generation ids that are verified asynchronously; failure refunds the hold.
type LLM struct {
	engine *ledger.Engine
}

// NewLLM constructs the LLM adapter.
func NewLLM(engine *ledger.Engine) *LLM { return &LLM{engine: engine} }

// Begin reserves credits for a generation before it runs.
func (a *LLM) Begin(ctx context.Context, call Call, estimated pricing.TokenUsage) (ledger.ReserveResult, error) {
	estimate := pricing.TokenCostMicros(call.Provider, call.Model, estimated)
	estimate = estimate * reserveHeadroomNum / reserveHeadroomDen
	return a.engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     call.WorkspaceID,
		AgentID:         call.AgentID,
		ConversationID:  call.ConversationID,
		Provider:        call.Provider,
		Model:           call.Model,
		Source:          models.SourceTextGeneration,
		EstimatedMicros: estimate,
		Byok:            call.Byok,
	})
}

// Complete reconciles the hold to the reported token usage. When the call
// fanned out, generationIDs opens multi-generation verification and the
// final settlement waits for the verification queue.
func (a *LLM) Complete(ctx context.Context, call Call, reservationID string, usage pricing.TokenUsage, generationIDs []string) {
	outcome, errAdjust := a.engine.Adjust(ctx, ledger.AdjustParams{
		ReservationID: reservationID,
		WorkspaceID:   call.WorkspaceID,
		Provider:      call.Provider,
		Model:         call.Model,
		Usage:         usage,
		GenerationIDs: generationIDs,
		Byok:          call.Byok,
	})
	absorb("llm adjust", reservationID, outcome, errAdjust)
}

// Fail refunds the full hold: the generation produced nothing billable.
func (a *LLM) Fail(ctx context.Context, reservationID string) {
	outcome, errRefund := a.engine.Refund(ctx, reservationID)
	absorb("llm refund", reservationID, outcome, errRefund)
}
