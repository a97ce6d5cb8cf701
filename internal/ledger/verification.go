package ledger

import (
	"context"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/models"
)

// VerificationResult reports the accumulator state after one delivery.
type VerificationResult struct {
	Outcome     Outcome
	AllVerified bool
	TotalMicros int64
}

// RecordVerifiedGeneration folds one provider-confirmed generation cost into
// a multi-generation hold.
//
// Deliveries arrive at-least-once and in any order, so the accumulator is a
// set union: unknown generation ids and duplicates are tolerated skips, and
// the order of arrival never changes the final total. Once every expected
// generation is verified the hold carries the summed provider cost and is
// ready for Finalize.
func (e *Engine) RecordVerifiedGeneration(ctx context.Context, reservationID, generationID string, costMicros int64) (VerificationResult, error) {
	if reservationID == ByokReservationID {
		return VerificationResult{Outcome: OutcomeSkipped}, nil
	}

	var (
		allVerified bool
		totalMicros int64
	)
	_, errUpdate := e.reservations.AtomicUpdate(ctx, reservationID, e.maxRetries, func(r *models.CreditReservation) error {
		switch r.State {
		case models.StateSettled, models.StateConsumed:
			return errAlreadySettled
		}

		expected := decodeStrings(r.GenerationIDs)
		if !containsString(expected, generationID) {
			return errUnknownGeneration
		}
		verified := decodeStrings(r.VerifiedGenerationIDs)
		if containsString(verified, generationID) {
			return errDuplicateDelivery
		}
		costs := decodeInt64s(r.VerifiedCostMicros)

		verified = append(verified, generationID)
		costs = append(costs, costMicros)
		r.VerifiedGenerationIDs = mustJSON(verified)
		r.VerifiedCostMicros = mustJSON(costs)

		// Unknown ids and duplicates were rejected above, so the verified set
		// can only grow toward the expected set, never past it.
		allVerified = len(verified) == r.ExpectedGenerationCount
		if allVerified {
			total := int64(0)
			for _, c := range costs {
				total += c
			}
			totalMicros = total
			r.AllVerified = true
			r.VerifiedTotalMicros = &total
			r.State = models.StateVerified
		} else {
			allVerified = false
			totalMicros = 0
			r.State = models.StateVerifying
		}
		return nil
	})
	if errUpdate != nil {
		if errors.Is(errUpdate, errUnknownGeneration) {
			log.WithFields(log.Fields{
				"reservation": reservationID,
				"generation":  generationID,
			}).Warn("ledger: verification for unexpected generation id dropped")
			return VerificationResult{Outcome: OutcomeSkipped}, nil
		}
		if errors.Is(errUpdate, errDuplicateDelivery) {
			return VerificationResult{Outcome: OutcomeSkipped}, nil
		}
		outcome, err := e.toleratedOutcome("verify-generation", reservationID, errUpdate)
		return VerificationResult{Outcome: outcome}, err
	}

	return VerificationResult{
		Outcome:     OutcomeApplied,
		AllVerified: allVerified,
		TotalMicros: totalMicros,
	}, nil
}

// decodeStrings reads a JSON string list, tolerating empty columns.
func decodeStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if errUnmarshal := json.Unmarshal(raw, &out); errUnmarshal != nil {
		return nil
	}
	return out
}

// decodeInt64s reads a JSON int64 list, tolerating empty columns.
func decodeInt64s(raw []byte) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var out []int64
	if errUnmarshal := json.Unmarshal(raw, &out); errUnmarshal != nil {
		return nil
	}
	return out
}

// containsString reports whether values includes v.
func containsString(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
