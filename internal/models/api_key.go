package models

import "time"

// APIKey authenticates a workspace-scoped caller of the reporting API.
//
// Only the bcrypt hash of the secret is stored; the plaintext is shown once at
// creation. Lookup goes through the key's public prefix.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WorkspaceID string `gorm:"type:varchar(64);not null;index"`       // Workspace the key belongs to.
	Name        string `gorm:"type:varchar(255)"`                     // Display name.
	Prefix      string `gorm:"type:varchar(16);not null;uniqueIndex"` // Public lookup prefix.
	SecretHash  string `gorm:"type:varchar(128);not null"`            // bcrypt hash of the full key.
	IsEnabled   bool   `gorm:"not null;default:true"`                 // Whether the key is active.

	LastUsedAt *time.Time // Last successful authentication.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
