package ledger

import "errors"

var (
	// ErrInsufficientCredits refuses a reserve that would take the balance
	// below zero. Hard failure: the metered operation must not start.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	// ErrReservationConflict reports exhausted optimistic-concurrency
	// retries. Transient: the caller may retry the whole operation.
	ErrReservationConflict = errors.New("ledger: reservation conflict")
	// ErrInvalidEstimate rejects a negative estimated cost.
	ErrInvalidEstimate = errors.New("ledger: negative estimated cost")

	// Tolerated updater sentinels; never escape the engine.
	errAlreadyAdjusted    = errors.New("ledger: reservation already adjusted to this cost")
	errAlreadySettled     = errors.New("ledger: reservation already settled")
	errUnknownGeneration  = errors.New("ledger: generation id not in expected set")
	errDuplicateDelivery  = errors.New("ledger: generation already verified")
)

// Outcome distinguishes applied settlements from tolerated no-ops, so a
// caller cannot mistake a skipped call for a failed one or vice versa.
type Outcome int

const (
	// OutcomeApplied means the call mutated balance or reservation state.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means the call was a tolerated no-op: the reservation
	// was missing, already settled, or a sentinel BYOK hold.
	OutcomeSkipped
)

// String implements fmt.Stringer for log fields.
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
