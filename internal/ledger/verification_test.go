package ledger

import (
	"context"
	"testing"

	"github.com/chatforge/creditledger/internal/models"
)

func openVerifyingHold(t *testing.T, engine *Engine, generationIDs []string) string {
	t.Helper()
	ctx := context.Background()
	res, errReserve := engine.Reserve(ctx, ReserveParams{
		WorkspaceID:     "ws-1",
		Source:          models.SourceTextGeneration,
		EstimatedMicros: 50_000,
	})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	actual := int64(45_000)
	if _, errAdjust := engine.Adjust(ctx, AdjustParams{
		ReservationID:    res.ReservationID,
		WorkspaceID:      "ws-1",
		ActualCostMicros: &actual,
		GenerationIDs:    generationIDs,
	}); errAdjust != nil {
		t.Fatalf("adjust: %v", errAdjust)
	}
	return res.ReservationID
}

func TestVerificationOrderIndependent(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, 1_000_000)
	id := openVerifyingHold(t, engine, []string{"gen-1", "gen-2", "gen-3"})

	// Deliveries arrive out of order; only the last one completes the set.
	result, errRecord := engine.RecordVerifiedGeneration(ctx, id, "gen-2", 15_000)
	if errRecord != nil || result.Outcome != OutcomeApplied || result.AllVerified {
		t.Fatalf("expected partial verification, got %+v %v", result, errRecord)
	}
	result, errRecord = engine.RecordVerifiedGeneration(ctx, id, "gen-3", 14_000)
	if errRecord != nil || result.AllVerified {
		t.Fatalf("expected still partial, got %+v %v", result, errRecord)
	}
	result, errRecord = engine.RecordVerifiedGeneration(ctx, id, "gen-1", 16_000)
	if errRecord != nil || !result.AllVerified {
		t.Fatalf("expected completion on last delivery, got %+v %v", result, errRecord)
	}
	if result.TotalMicros != 45_000 {
		t.Fatalf("expected verified total 45000, got %d", result.TotalMicros)
	}

	row, errGet := mem.Reservations.Get(ctx, id)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if row.State != models.StateVerified || !row.AllVerified {
		t.Fatalf("expected verified state, got %+v", row)
	}
}

func TestVerificationDuplicateDeliverySkipped(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, 1_000_000)
	id := openVerifyingHold(t, engine, []string{"gen-1", "gen-2"})

	if _, err := engine.RecordVerifiedGeneration(ctx, id, "gen-1", 10_000); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, errDup := engine.RecordVerifiedGeneration(ctx, id, "gen-1", 10_000)
	if errDup != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("expected duplicate skipped, got %+v %v", result, errDup)
	}

	// The duplicate must not count toward completion or the total.
	result, errLast := engine.RecordVerifiedGeneration(ctx, id, "gen-2", 12_000)
	if errLast != nil || !result.AllVerified {
		t.Fatalf("expected completion, got %+v %v", result, errLast)
	}
	if result.TotalMicros != 22_000 {
		t.Fatalf("expected total 22000, got %d", result.TotalMicros)
	}
}

func TestVerificationUnknownGenerationSkipped(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, 1_000_000)
	id := openVerifyingHold(t, engine, []string{"gen-1"})

	result, errUnknown := engine.RecordVerifiedGeneration(ctx, id, "gen-bogus", 99_000)
	if errUnknown != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("expected unknown generation skipped, got %+v %v", result, errUnknown)
	}
	result, errKnown := engine.RecordVerifiedGeneration(ctx, id, "gen-1", 40_000)
	if errKnown != nil || !result.AllVerified || result.TotalMicros != 40_000 {
		t.Fatalf("expected clean completion at 40000, got %+v %v", result, errKnown)
	}
}

func TestVerificationByokSentinelSkipped(t *testing.T) {
	engine, _ := newTestEngine(t, 1_000_000)
	result, errRecord := engine.RecordVerifiedGeneration(context.Background(), ByokReservationID, "gen-1", 1_000)
	if errRecord != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("expected byok sentinel skipped, got %+v %v", result, errRecord)
	}
}

func TestVerificationMissingReservationTolerated(t *testing.T) {
	engine, _ := newTestEngine(t, 1_000_000)
	result, errRecord := engine.RecordVerifiedGeneration(context.Background(), "gone", "gen-1", 1_000)
	if errRecord != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("expected missing reservation tolerated, got %+v %v", result, errRecord)
	}
}

func TestVerificationDeliveryWithoutFanoutDropped(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, 1_000_000)
	id := openVerifyingHold(t, engine, nil)

	// The hold never fanned out, so no delivery can match its expected set
	// and the verified count stays at zero.
	result, errRecord := engine.RecordVerifiedGeneration(ctx, id, "gen-1", 10_000)
	if errRecord != nil || result.Outcome != OutcomeSkipped {
		t.Fatalf("expected delivery dropped, got %+v %v", result, errRecord)
	}
	row, errGet := mem.Reservations.Get(ctx, id)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if row.State != models.StateAdjusted || row.AllVerified {
		t.Fatalf("expected hold untouched by dropped delivery, got %+v", row)
	}
}
