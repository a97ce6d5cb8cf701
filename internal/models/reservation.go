package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReservationState enumerates the settlement state machine for one hold.
type ReservationState string

// Reservation states. There is no transition back to StateReserved.
const (
	// StateReserved marks a fresh hold debited from the balance.
	StateReserved ReservationState = "reserved"
	// StateAdjusted marks a hold reconciled to a token-based cost.
	StateAdjusted ReservationState = "adjusted"
	// StateVerifying marks a multi-generation hold with partial verification.
	StateVerifying ReservationState = "verifying"
	// StateVerified marks a hold whose every generation cost is confirmed.
	StateVerified ReservationState = "verified"
	// StateSettled marks a terminally reconciled hold.
	StateSettled ReservationState = "settled"
	// StateConsumed marks a failed operation whose hold is kept, per policy.
	StateConsumed ReservationState = "consumed"
)

// CreditReservation is one hold against a workspace balance.
//
// ReservedMicros is debited exactly once, at reserve time. Everything after is
// a signed delta relative to the reservation's current known cost.
type CreditReservation struct {
	ID string `gorm:"primaryKey;type:varchar(64)"` // Reservation identifier.

	WorkspaceID    string `gorm:"type:varchar(64);not null;index"` // Owning workspace.
	AgentID        string `gorm:"type:varchar(64);index"`          // Originating agent.
	ConversationID string `gorm:"type:varchar(64);index"`          // Originating conversation.

	Provider string `gorm:"type:varchar(255)"` // Upstream provider.
	Model    string `gorm:"type:varchar(255)"` // Model or tool name.
	Source   string `gorm:"type:varchar(64)"`  // Transaction source marker.
	ToolCall string `gorm:"type:varchar(64)"`  // Tool call name, when a tool.
	Supplier string `gorm:"type:varchar(64)"`  // Tool supplier, when a tool.

	State ReservationState `gorm:"type:varchar(16);not null;index"` // Settlement state.

	ReservedMicros  int64  `gorm:"not null"` // Amount debited up front.
	EstimatedMicros int64  `gorm:"not null"` // Original estimate.
	TokenCostMicros *int64 // Token-based cost, set by adjust.
	Currency        string `gorm:"type:varchar(8);not null;default:'usd'"` // Unit of account.

	// Multi-generation verification fields (LLM fan-out only).
	GenerationIDs           datatypes.JSON // Expected generation ids, ordered.
	ExpectedGenerationCount int            `gorm:"not null;default:0"` // len(GenerationIDs).
	VerifiedGenerationIDs   datatypes.JSON // Verified subset, insertion order.
	VerifiedCostMicros      datatypes.JSON // Costs parallel to verified ids.
	AllVerified             bool           `gorm:"not null;default:false"` // Every generation confirmed.
	VerifiedTotalMicros     *int64         // Sum of verified costs, once complete.

	ExpiresAt time.Time `gorm:"not null;index"` // TTL for orphaned-hold reclamation.
	Version   uint64    `gorm:"not null;default:0"` // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
