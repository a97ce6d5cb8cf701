// Package ledger implements the credit reservation and settlement engine.
//
// Every metered operation reserves funds before it runs, reconciles the hold
// to an actual cost once usage is known, and may later reconcile again to a
// provider-verified figure. The workspace balance is debited for the estimate
// exactly once, at reserve time; every later mutation is a signed delta
// against the reservation's current known cost, applied through the store's
// optimistic atomic-update primitive and paired with exactly one ledger
// transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/pricing"
	"github.com/chatforge/creditledger/internal/store"
)

// ByokReservationID is the sentinel returned when the caller brings their own
// provider key. Settlement calls against it are no-ops.
const ByokReservationID = "byok"

// DefaultMaxRetries bounds optimistic-concurrency retries when the caller
// does not pick a value.
const DefaultMaxRetries = 5

// TokenCostFunc prices a token usage in micro-credits. Must be pure.
type TokenCostFunc func(provider, model string, usage pricing.TokenUsage) int64

// Engine is the only component allowed to mutate balances and reservations.
type Engine struct {
	balances     store.BalanceStore
	reservations store.ReservationStore
	transactions store.TransactionLog

	tokenCost      TokenCostFunc
	reservationTTL time.Duration
	maxRetries     int
}

// NewEngine constructs a reservation engine. ttl bounds how long an orphaned
// hold survives before the sweeper reclaims it.
func NewEngine(balances store.BalanceStore, reservations store.ReservationStore, transactions store.TransactionLog, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Engine{
		balances:       balances,
		reservations:   reservations,
		transactions:   transactions,
		tokenCost:      pricing.TokenCostMicros,
		reservationTTL: ttl,
		maxRetries:     DefaultMaxRetries,
	}
}

// SetMaxRetries overrides the engine-wide optimistic-concurrency retry bound.
// Non-positive values keep the current bound.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries = n
	}
}

// retries resolves a per-call retry override against the engine-wide bound.
func (e *Engine) retries(override int) int {
	if override > 0 {
		return override
	}
	return e.maxRetries
}

// SetTokenCostFunc overrides the pricing function. Tests and adapters with
// provider-specific pricing use this.
func (e *Engine) SetTokenCostFunc(fn TokenCostFunc) {
	if fn != nil {
		e.tokenCost = fn
	}
}

// ReserveParams carries everything needed to open one hold.
type ReserveParams struct {
	WorkspaceID    string
	AgentID        string
	ConversationID string
	Provider       string
	Model          string
	Source         string // Transaction source for every delta on this hold.
	ToolCall       string // Tool call name, metered tools only.
	Supplier       string // Tool supplier, metered tools only.

	EstimatedMicros int64
	MaxRetries      int
	Byok            bool
}

// ReserveResult is the outcome of a successful reserve.
type ReserveResult struct {
	ReservationID  string
	ReservedMicros int64
}

// Reserve debits the estimate from the workspace balance and opens a hold.
//
// BYOK callers bypass the balance entirely and get the sentinel id back.
// Fails hard with ErrInsufficientCredits when the balance cannot cover the
// estimate, or ErrReservationConflict when retries run out.
func (e *Engine) Reserve(ctx context.Context, p ReserveParams) (ReserveResult, error) {
	if p.EstimatedMicros < 0 {
		return ReserveResult{}, fmt.Errorf("%w: %d", ErrInvalidEstimate, p.EstimatedMicros)
	}
	if p.Byok {
		return ReserveResult{ReservationID: ByokReservationID}, nil
	}
	maxRetries := e.retries(p.MaxRetries)

	_, errDebit := e.balances.AtomicUpdate(ctx, p.WorkspaceID, maxRetries, func(balance *models.WorkspaceBalance) error {
		if balance.CreditBalanceMicros < p.EstimatedMicros {
			return fmt.Errorf("%w: workspace %s has %d, needs %d",
				ErrInsufficientCredits, p.WorkspaceID, balance.CreditBalanceMicros, p.EstimatedMicros)
		}
		balance.CreditBalanceMicros -= p.EstimatedMicros
		return nil
	})
	if errDebit != nil {
		if errors.Is(errDebit, store.ErrRetriesExhausted) {
			return ReserveResult{}, fmt.Errorf("%w: %v", ErrReservationConflict, errDebit)
		}
		return ReserveResult{}, errDebit
	}

	now := time.Now().UTC()
	reservation := &models.CreditReservation{
		ID:              uuid.NewString(),
		WorkspaceID:     p.WorkspaceID,
		AgentID:         p.AgentID,
		ConversationID:  p.ConversationID,
		Provider:        p.Provider,
		Model:           p.Model,
		Source:          p.Source,
		ToolCall:        p.ToolCall,
		Supplier:        p.Supplier,
		State:           models.StateReserved,
		ReservedMicros:  p.EstimatedMicros,
		EstimatedMicros: p.EstimatedMicros,
		Currency:        "usd",
		ExpiresAt:       now.Add(e.reservationTTL),
		CreatedAt:       now,
	}
	if errCreate := e.reservations.Create(ctx, reservation); errCreate != nil {
		// The debit already committed; put the funds back before failing.
		e.applyBalanceDelta(ctx, p.WorkspaceID, p.EstimatedMicros, maxRetries, "reserve rollback")
		return ReserveResult{}, errCreate
	}

	e.appendTransaction(ctx, reservation, -p.EstimatedMicros)
	return ReserveResult{ReservationID: reservation.ID, ReservedMicros: p.EstimatedMicros}, nil
}

// AdjustParams carries everything needed to reconcile a hold to actual cost.
type AdjustParams struct {
	ReservationID string
	WorkspaceID   string
	Provider      string
	Model         string

	// Usage prices the adjustment through the token cost function. Ignored
	// when ActualCostMicros is set.
	Usage pricing.TokenUsage
	// ActualCostMicros is the already-known actual cost, for tools whose
	// billing is not token-based (search credits, provisional rerank cost).
	ActualCostMicros *int64

	// GenerationIDs lists expected sub-call ids when the operation fanned
	// out. Supplying them makes this the first step of multi-generation
	// verification instead of the final settlement.
	GenerationIDs []string

	MaxRetries int
	Byok       bool
}

// Adjust reconciles a hold to its actual cost and applies the signed delta
// to the workspace balance in one transaction row.
//
// Idempotent: adjusting twice with the same cost skips the second write.
// A later adjust with a different cost applies only the delta against the
// current known cost, never a re-debit of the estimate.
func (e *Engine) Adjust(ctx context.Context, p AdjustParams) (Outcome, error) {
	if p.Byok || p.ReservationID == ByokReservationID {
		return OutcomeSkipped, nil
	}
	maxRetries := e.retries(p.MaxRetries)

	actual := int64(0)
	if p.ActualCostMicros != nil {
		actual = *p.ActualCostMicros
	} else {
		actual = e.tokenCost(p.Provider, p.Model, p.Usage)
	}

	var delta int64
	updated, errUpdate := e.reservations.AtomicUpdate(ctx, p.ReservationID, maxRetries, func(r *models.CreditReservation) error {
		switch r.State {
		case models.StateSettled, models.StateConsumed:
			return errAlreadySettled
		}
		if r.TokenCostMicros != nil && *r.TokenCostMicros == actual {
			return errAlreadyAdjusted
		}
		known := r.ReservedMicros
		if r.TokenCostMicros != nil {
			known = *r.TokenCostMicros
		}
		delta = known - actual

		cost := actual
		r.TokenCostMicros = &cost
		if len(p.GenerationIDs) > 0 {
			r.GenerationIDs = mustJSON(p.GenerationIDs)
			r.ExpectedGenerationCount = len(p.GenerationIDs)
			r.VerifiedGenerationIDs = mustJSON([]string{})
			r.VerifiedCostMicros = mustJSON([]int64{})
			r.AllVerified = false
			r.State = models.StateVerifying
		} else {
			r.State = models.StateAdjusted
		}
		return nil
	})
	if errUpdate != nil {
		return e.toleratedOutcome("adjust", p.ReservationID, errUpdate)
	}

	if delta != 0 {
		e.applyBalanceDelta(ctx, updated.WorkspaceID, delta, maxRetries, "adjust")
		e.appendTransaction(ctx, updated, delta)
	}
	return OutcomeApplied, nil
}

// Finalize reconciles a hold to the provider-verified total and settles it.
//
// The delta is the gap between the token-based settlement already applied by
// Adjust and the provider's authoritative figure. Terminal: the reservation
// row is removed; the transaction trail carries the audit history.
func (e *Engine) Finalize(ctx context.Context, reservationID string, verifiedTotalMicros int64, maxRetries int) (Outcome, error) {
	if reservationID == ByokReservationID {
		return OutcomeSkipped, nil
	}
	maxRetries = e.retries(maxRetries)

	var delta int64
	updated, errUpdate := e.reservations.AtomicUpdate(ctx, reservationID, maxRetries, func(r *models.CreditReservation) error {
		switch r.State {
		case models.StateSettled, models.StateConsumed:
			return errAlreadySettled
		}
		known := r.ReservedMicros
		if r.TokenCostMicros != nil {
			known = *r.TokenCostMicros
		}
		delta = known - verifiedTotalMicros
		r.State = models.StateSettled
		return nil
	})
	if errUpdate != nil {
		return e.toleratedOutcome("finalize", reservationID, errUpdate)
	}

	if delta != 0 {
		e.applyBalanceDelta(ctx, updated.WorkspaceID, delta, maxRetries, "finalize")
		e.appendTransaction(ctx, updated, delta)
	}
	if _, errDelete := e.reservations.Delete(ctx, reservationID); errDelete != nil {
		log.WithError(errDelete).WithField("reservation", reservationID).
			Warn("ledger: settled reservation left behind; sweeper will reclaim it")
	}
	return OutcomeApplied, nil
}

// SettleAtEstimate settles a hold at its token-based cost with no further
// delta. Used by the sweeper when provider verification never arrives: the
// token-based estimate stands as the final charge.
func (e *Engine) SettleAtEstimate(ctx context.Context, reservationID string) (Outcome, error) {
	if reservationID == ByokReservationID {
		return OutcomeSkipped, nil
	}
	_, errUpdate := e.reservations.AtomicUpdate(ctx, reservationID, e.maxRetries, func(r *models.CreditReservation) error {
		switch r.State {
		case models.StateSettled, models.StateConsumed:
			return errAlreadySettled
		}
		r.State = models.StateSettled
		return nil
	})
	if errUpdate != nil {
		return e.toleratedOutcome("settle-at-estimate", reservationID, errUpdate)
	}
	if _, errDelete := e.reservations.Delete(ctx, reservationID); errDelete != nil {
		log.WithError(errDelete).WithField("reservation", reservationID).
			Warn("ledger: settled reservation left behind; sweeper will reclaim it")
	}
	return OutcomeApplied, nil
}

// Refund returns the hold's full charge to the workspace and removes it.
// Used when the underlying operation failed before incurring cost. Safe to
// call more than once: only the caller that settles the row credits funds.
//
// The amount is captured inside the version-checked update that claims the
// hold, so a concurrent Adjust either lands before the claim (and its cost is
// what gets refunded) or loses the version race and is skipped. A plain read
// before the delete would credit a figure the interleaved Adjust already
// moved.
func (e *Engine) Refund(ctx context.Context, reservationID string) (Outcome, error) {
	if reservationID == ByokReservationID {
		return OutcomeSkipped, nil
	}

	var amount int64
	claimed, errClaim := e.reservations.AtomicUpdate(ctx, reservationID, e.maxRetries, func(r *models.CreditReservation) error {
		switch r.State {
		case models.StateSettled, models.StateConsumed:
			return errAlreadySettled
		}
		amount = r.ReservedMicros
		if r.TokenCostMicros != nil {
			amount = *r.TokenCostMicros
		}
		r.State = models.StateSettled
		return nil
	})
	if errClaim != nil {
		return e.toleratedOutcome("refund", reservationID, errClaim)
	}

	if _, errDelete := e.reservations.Delete(ctx, reservationID); errDelete != nil {
		log.WithError(errDelete).WithField("reservation", reservationID).
			Warn("ledger: refunded reservation left behind; sweeper will reclaim it")
	}
	if amount != 0 {
		e.applyBalanceDelta(ctx, claimed.WorkspaceID, amount, e.maxRetries, "refund")
		e.appendTransaction(ctx, claimed, amount)
	}
	return OutcomeApplied, nil
}

// Consume removes a failed hold without returning funds. The billing policy
// for externally metered tools: once the call was attempted, the charge
// stands.
func (e *Engine) Consume(ctx context.Context, reservationID string) (Outcome, error) {
	return e.discard(ctx, reservationID, "consume")
}

// CompleteFixed settles a fixed-cost hold on success. No adjustment phase:
// the reserve transaction is the only ledger entry.
func (e *Engine) CompleteFixed(ctx context.Context, reservationID string) (Outcome, error) {
	return e.discard(ctx, reservationID, "complete-fixed")
}

// Credit tops up a workspace balance and records a credit-purchase entry.
func (e *Engine) Credit(ctx context.Context, workspaceID string, amountMicros int64, reference string) error {
	if amountMicros <= 0 {
		return fmt.Errorf("ledger: non-positive credit amount %d", amountMicros)
	}
	_, errCredit := e.balances.AtomicUpdate(ctx, workspaceID, e.maxRetries, func(balance *models.WorkspaceBalance) error {
		balance.CreditBalanceMicros += amountMicros
		return nil
	})
	if errors.Is(errCredit, store.ErrNotFound) {
		// First purchase for this workspace creates the balance row.
		errCredit = e.balances.Create(ctx, &models.WorkspaceBalance{
			WorkspaceID:         workspaceID,
			CreditBalanceMicros: amountMicros,
			Currency:            "usd",
		})
	}
	if errCredit != nil {
		return errCredit
	}
	errAppend := e.transactions.Append(ctx, &models.CreditTransaction{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		AmountMicros: amountMicros,
		Source:       models.SourceCreditPurchase,
		Model:        reference,
		CreatedAt:    time.Now().UTC(),
	})
	if errAppend != nil {
		log.WithError(errAppend).WithField("workspace", workspaceID).
			Warn("ledger: credit purchase applied but transaction write failed; manual audit needed")
	}
	return nil
}

// discard deletes a hold without a balance mutation.
func (e *Engine) discard(ctx context.Context, reservationID, op string) (Outcome, error) {
	if reservationID == ByokReservationID {
		return OutcomeSkipped, nil
	}
	deleted, errDelete := e.reservations.Delete(ctx, reservationID)
	if errDelete != nil {
		return OutcomeSkipped, errDelete
	}
	if !deleted {
		log.WithFields(log.Fields{"reservation": reservationID, "op": op}).
			Warn("ledger: reservation already gone; treating as settled elsewhere")
		return OutcomeSkipped, nil
	}
	return OutcomeApplied, nil
}

// applyBalanceDelta credits or debits a workspace, absorbing failures into
// logs: a reconciliation bug must never break the operation that already ran.
func (e *Engine) applyBalanceDelta(ctx context.Context, workspaceID string, deltaMicros int64, maxRetries int, op string) {
	_, errApply := e.balances.AtomicUpdate(ctx, workspaceID, maxRetries, func(balance *models.WorkspaceBalance) error {
		balance.CreditBalanceMicros += deltaMicros
		return nil
	})
	if errApply != nil {
		log.WithError(errApply).WithFields(log.Fields{
			"workspace": workspaceID,
			"delta":     deltaMicros,
			"op":        op,
		}).Error("ledger: balance delta lost; manual audit needed")
	}
}

// appendTransaction writes the audit entry paired with one balance delta.
func (e *Engine) appendTransaction(ctx context.Context, r *models.CreditReservation, amountMicros int64) {
	errAppend := e.transactions.Append(ctx, &models.CreditTransaction{
		ID:             uuid.NewString(),
		WorkspaceID:    r.WorkspaceID,
		AgentID:        r.AgentID,
		ConversationID: r.ConversationID,
		ReservationID:  r.ID,
		AmountMicros:   amountMicros,
		Source:         r.Source,
		ToolCall:       r.ToolCall,
		Supplier:       r.Supplier,
		Provider:       r.Provider,
		Model:          r.Model,
		CreatedAt:      time.Now().UTC(),
	})
	if errAppend != nil {
		log.WithError(errAppend).WithFields(log.Fields{
			"reservation": r.ID,
			"amount":      amountMicros,
		}).Error("ledger: transaction write failed; audit trail has a gap")
	}
}

// toleratedOutcome maps settlement-path errors into tolerated skips when the
// hold was already settled elsewhere, and passes everything else through.
func (e *Engine) toleratedOutcome(op, reservationID string, err error) (Outcome, error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.WithFields(log.Fields{"reservation": reservationID, "op": op}).
			Warn("ledger: reservation not found; settlement likely completed elsewhere")
		return OutcomeSkipped, nil
	case errors.Is(err, errAlreadyAdjusted), errors.Is(err, errAlreadySettled):
		return OutcomeSkipped, nil
	case errors.Is(err, store.ErrRetriesExhausted):
		return OutcomeSkipped, fmt.Errorf("%w: %s %s", ErrReservationConflict, op, reservationID)
	default:
		return OutcomeSkipped, err
	}
}

// mustJSON marshals a value the engine fully controls.
func mustJSON(v any) datatypes.JSON {
	data, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(data)
}
