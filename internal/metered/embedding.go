package metered

import (
	"context"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/pricing"
)

// Embedding meters embedding generation. Token-usage based, single
// generation, no asynchronous verification; failure refunds the hold.
type Embedding struct {
	engine *ledger.Engine
}

// NewEmbedding constructs the embedding adapter.
func NewEmbedding(engine *ledger.Engine) *Embedding { return &Embedding{engine: engine} }

// Begin reserves credits for an embedding batch before it runs.
func (a *Embedding) Begin(ctx context.Context, call Call, estimated pricing.TokenUsage) (ledger.ReserveResult, error) {
	estimate := pricing.TokenCostMicros(call.Provider, call.Model, estimated)
	estimate = estimate * reserveHeadroomNum / reserveHeadroomDen
	return a.engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     call.WorkspaceID,
		AgentID:         call.AgentID,
		ConversationID:  call.ConversationID,
		Provider:        call.Provider,
		Model:           call.Model,
		Source:          models.SourceEmbeddingGeneration,
		EstimatedMicros: estimate,
		Byok:            call.Byok,
	})
}

// Complete reconciles the hold to the reported token usage.
func (a *Embedding) Complete(ctx context.Context, call Call, reservationID string, usage pricing.TokenUsage) {
	outcome, errAdjust := a.engine.Adjust(ctx, ledger.AdjustParams{
		ReservationID: reservationID,
		WorkspaceID:   call.WorkspaceID,
		Provider:      call.Provider,
		Model:         call.Model,
		Usage:         usage,
		Byok:          call.Byok,
	})
	absorb("embedding adjust", reservationID, outcome, errAdjust)
}

// Fail refunds the full hold.
func (a *Embedding) Fail(ctx context.Context, reservationID string) {
	outcome, errRefund := a.engine.Refund(ctx, reservationID)
	absorb("embedding refund", reservationID, outcome, errRefund)
}
