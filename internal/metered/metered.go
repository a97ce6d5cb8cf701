// Package metered wraps the reservation engine with per-tool billing
// policies: what gets estimated up front, how the hold reconciles on
// success, and whether failure returns funds.
//
// Settlement calls here absorb errors into logs. The metered operation has
// already run by the time settlement happens; a reconciliation bug must
// never take the feature down, but every absorbed failure is logged for
// manual audit.
package metered

import (
	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/ledger"
)

// Call identifies one metered operation across reserve and settlement.
type Call struct {
	WorkspaceID    string
	AgentID        string
	ConversationID string
	Provider       string
	Model          string
	Byok           bool
}

// absorb logs a settlement failure instead of propagating it.
func absorb(op, reservationID string, outcome ledger.Outcome, err error) {
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"reservation": reservationID,
			"op":          op,
		}).Error("metered: settlement failed; charge may be off until sweeper reconciles")
		return
	}
	if outcome == ledger.OutcomeSkipped {
		log.WithFields(log.Fields{
			"reservation": reservationID,
			"op":          op,
		}).Debug("metered: settlement skipped")
	}
}
