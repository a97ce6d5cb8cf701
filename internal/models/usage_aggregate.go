package models

import "time"

// Aggregate kinds.
const (
	// AggregateKindGeneration covers text and embedding generation cost.
	AggregateKindGeneration = "generation"
	// AggregateKindTool covers metered tool cost.
	AggregateKindTool = "tool"
)

// UsageAggregate is one pre-aggregated day of settled usage.
//
// Historical reporting reads these rows instead of replaying transactions.
// Rows are written by an offline rollup and are immutable afterwards.
type UsageAggregate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID string    `gorm:"type:varchar(64);not null;index;index:idx_usage_aggregates_ws_date,priority:1"` // Owning workspace.
	Date        time.Time `gorm:"type:date;not null;index:idx_usage_aggregates_ws_date,priority:2"`              // Aggregated day (UTC midnight).
	Kind        string    `gorm:"type:varchar(16);not null"`                                                     // Aggregate kind.

	Provider string `gorm:"type:varchar(255)"` // Upstream provider.
	Model    string `gorm:"type:varchar(255)"` // Model name.
	ToolCall string `gorm:"type:varchar(64)"`  // Tool call name, tool kind only.
	Supplier string `gorm:"type:varchar(64)"`  // Tool supplier, tool kind only.

	CostMicros   int64 `gorm:"not null;default:0"` // Settled cost for the day.
	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
