package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/chatforge/creditledger/internal/models"
)

// Migrate creates or updates the ledger schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.WorkspaceBalance{},
		&models.CreditReservation{},
		&models.CreditTransaction{},
		&models.Conversation{},
		&models.UsageAggregate{},
		&models.APIKey{},
	)
}
