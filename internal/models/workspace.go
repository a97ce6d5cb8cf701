package models

import "time"

// WorkspaceBalance tracks the spendable credit balance for one workspace.
//
// CreditBalanceMicros is in micro-credits (one millionth of a credit) so that
// per-token pricing never needs floating point. The row is mutated only through
// the store's optimistic AtomicUpdate; Version is the conflict detector.
type WorkspaceBalance struct {
	WorkspaceID string `gorm:"primaryKey;type:varchar(64)"` // Workspace identifier.

	CreditBalanceMicros int64  `gorm:"not null;default:0"` // Balance in micro-credits.
	Currency            string `gorm:"type:varchar(8);not null;default:'usd'"` // Unit of account.

	Version uint64 `gorm:"not null;default:0"` // Optimistic concurrency counter.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
