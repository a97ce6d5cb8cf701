package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation records one conversation turn's token usage.
//
// CostMicros and RerankingCostMicros are informational copies only; cost is
// sourced exclusively from CreditTransaction rows. The aggregator reads tokens
// from conversations and nothing else.
type Conversation struct {
	ID string `gorm:"primaryKey;type:varchar(64)"` // Conversation record identifier.

	WorkspaceID string `gorm:"type:varchar(64);not null;index"` // Owning workspace.
	AgentID     string `gorm:"type:varchar(64);index"`          // Agent that ran the turn.

	Provider string `gorm:"type:varchar(255)"`      // Upstream provider.
	Model    string `gorm:"type:varchar(255)"`      // Model name.
	Byok     bool   `gorm:"not null;default:false"` // Caller-supplied provider key.

	// TokenUsage is a JSON object {input_tokens, output_tokens, total_tokens}.
	// Historical rows sometimes carry it double-encoded as a JSON string; the
	// aggregator handles both forms and skips rows it cannot read.
	TokenUsage datatypes.JSON

	CostMicros          int64 `gorm:"not null;default:0"` // Informational only, never aggregated.
	RerankingCostMicros int64 `gorm:"not null;default:0"` // Informational only, never aggregated.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
