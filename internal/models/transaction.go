package models

import "time"

// Transaction sources. Every balance delta carries exactly one of these.
const (
	// SourceTextGeneration marks LLM generation charges.
	SourceTextGeneration = "text-generation"
	// SourceEmbeddingGeneration marks embedding charges.
	SourceEmbeddingGeneration = "embedding-generation"
	// SourceToolExecution marks metered tool charges.
	SourceToolExecution = "tool-execution"
	// SourceCreditPurchase marks balance top-ups.
	SourceCreditPurchase = "credit-purchase"
)

// CreditTransaction is the audit ledger entry paired with one balance delta.
//
// AmountMicros is signed: negative debits the workspace, positive credits it.
// The Usage Aggregator recomputes cost from these rows alone, independent of
// reservation state.
type CreditTransaction struct {
	ID string `gorm:"primaryKey;type:varchar(64)"` // Transaction identifier.

	WorkspaceID    string `gorm:"type:varchar(64);not null;index"` // Owning workspace.
	AgentID        string `gorm:"type:varchar(64);index"`          // Originating agent.
	ConversationID string `gorm:"type:varchar(64);index"`          // Originating conversation.
	ReservationID  string `gorm:"type:varchar(64);index"`          // Hold this delta settles, when any.

	AmountMicros int64  `gorm:"not null"`                        // Signed delta in micro-credits.
	Source       string `gorm:"type:varchar(64);not null;index"` // Charge source.
	ToolCall     string `gorm:"type:varchar(64);index"`          // Tool call name, when a tool.
	Supplier     string `gorm:"type:varchar(64)"`                // Tool supplier, when a tool.
	Provider     string `gorm:"type:varchar(255)"`               // Upstream provider.
	Model        string `gorm:"type:varchar(255)"`               // Model name.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
