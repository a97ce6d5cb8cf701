package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/chatforge/creditledger/internal/db"
	"github.com/chatforge/creditledger/internal/models"
)

// Gorm bundles the GORM-backed implementations of every store interface.
//
// Conditional writes are expressed as UPDATE ... WHERE version = ? so the
// optimistic contract holds across concurrent process instances, not just
// concurrent goroutines.
type Gorm struct {
	Balances      *GormBalances
	Reservations  *GormReservations
	Transactions  *GormTransactions
	Aggregates    *GormAggregates
	Conversations *GormConversations
}

// NewGorm constructs the GORM-backed store bundle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{
		Balances:      &GormBalances{db: db},
		Reservations:  &GormReservations{db: db},
		Transactions:  &GormTransactions{db: db},
		Aggregates:    &GormAggregates{db: db},
		Conversations: &GormConversations{db: db},
	}
}

// GormBalances implements BalanceStore.
type GormBalances struct {
	db *gorm.DB
}

// Get returns the balance row for a workspace.
func (s *GormBalances) Get(ctx context.Context, workspaceID string) (*models.WorkspaceBalance, error) {
	var row models.WorkspaceBalance
	errFind := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// Create inserts a balance row.
func (s *GormBalances) Create(ctx context.Context, balance *models.WorkspaceBalance) error {
	return s.db.WithContext(ctx).Create(balance).Error
}

// AtomicUpdate applies update to the balance row under optimistic concurrency.
func (s *GormBalances) AtomicUpdate(ctx context.Context, workspaceID string, maxRetries int, update BalanceUpdater) (*models.WorkspaceBalance, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		current, errGet := s.Get(ctx, workspaceID)
		if errGet != nil {
			return nil, errGet
		}
		next := *current
		if errUpdate := update(&next); errUpdate != nil {
			return nil, errUpdate
		}
		res := s.db.WithContext(ctx).
			Model(&models.WorkspaceBalance{}).
			Where("workspace_id = ? AND version = ?", workspaceID, current.Version).
			Updates(map[string]any{
				"credit_balance_micros": next.CreditBalanceMicros,
				"version":               current.Version + 1,
				"updated_at":            time.Now().UTC(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			next.Version = current.Version + 1
			return &next, nil
		}
		// Version moved underneath us; re-read and try again.
	}
	return nil, fmt.Errorf("%w: balance %s", ErrRetriesExhausted, workspaceID)
}

// GormReservations implements ReservationStore.
type GormReservations struct {
	db *gorm.DB
}

// Get returns one reservation row.
func (s *GormReservations) Get(ctx context.Context, id string) (*models.CreditReservation, error) {
	var row models.CreditReservation
	errFind := s.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// Create inserts a reservation row.
func (s *GormReservations) Create(ctx context.Context, reservation *models.CreditReservation) error {
	return s.db.WithContext(ctx).Create(reservation).Error
}

// Delete removes a reservation and reports whether a row existed.
func (s *GormReservations) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.CreditReservation{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AtomicUpdate applies update to a reservation under optimistic concurrency.
func (s *GormReservations) AtomicUpdate(ctx context.Context, id string, maxRetries int, update ReservationUpdater) (*models.CreditReservation, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		current, errGet := s.Get(ctx, id)
		if errGet != nil {
			return nil, errGet
		}
		next := *current
		if errUpdate := update(&next); errUpdate != nil {
			return nil, errUpdate
		}
		res := s.db.WithContext(ctx).
			Model(&models.CreditReservation{}).
			Where("id = ? AND version = ?", id, current.Version).
			Updates(map[string]any{
				"state":                     next.State,
				"token_cost_micros":         next.TokenCostMicros,
				"generation_ids":            next.GenerationIDs,
				"expected_generation_count": next.ExpectedGenerationCount,
				"verified_generation_ids":   next.VerifiedGenerationIDs,
				"verified_cost_micros":      next.VerifiedCostMicros,
				"all_verified":              next.AllVerified,
				"verified_total_micros":     next.VerifiedTotalMicros,
				"expires_at":                next.ExpiresAt,
				"version":                   current.Version + 1,
				"updated_at":                time.Now().UTC(),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			next.Version = current.Version + 1
			return &next, nil
		}
	}
	return nil, fmt.Errorf("%w: reservation %s", ErrRetriesExhausted, id)
}

// ListExpired returns reservations whose TTL passed before the cutoff.
func (s *GormReservations) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.CreditReservation, error) {
	var rows []models.CreditReservation
	q := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// ListOpen returns unsettled reservations for one workspace.
func (s *GormReservations) ListOpen(ctx context.Context, workspaceID string) ([]models.CreditReservation, error) {
	var rows []models.CreditReservation
	errFind := s.db.WithContext(ctx).
		Where("workspace_id = ? AND state IN ?", workspaceID, []models.ReservationState{
			models.StateReserved,
			models.StateAdjusted,
			models.StateVerifying,
			models.StateVerified,
		}).
		Order("created_at ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// GormTransactions implements TransactionLog.
type GormTransactions struct {
	db *gorm.DB
}

// Append writes one ledger entry.
func (s *GormTransactions) Append(ctx context.Context, transaction *models.CreditTransaction) error {
	return s.db.WithContext(ctx).Create(transaction).Error
}

// Stream opens a row cursor over matching ledger entries.
func (s *GormTransactions) Stream(ctx context.Context, query TransactionQuery) (TransactionIterator, error) {
	q := s.db.WithContext(ctx).Model(&models.CreditTransaction{})
	if query.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", query.WorkspaceID)
	}
	if !query.Start.IsZero() {
		q = q.Where("created_at >= ?", query.Start.UTC())
	}
	if !query.End.IsZero() {
		q = q.Where("created_at <= ?", query.End.UTC())
	}
	if len(query.Sources) > 0 {
		q = q.Where("source IN ?", query.Sources)
	}
	if len(query.ExcludeSources) > 0 {
		q = q.Where("source NOT IN ?", query.ExcludeSources)
	}
	rows, errRows := q.Order("created_at ASC").Rows()
	if errRows != nil {
		return nil, errRows
	}
	return &gormTransactionIterator{db: s.db, rows: rows}, nil
}

type gormTransactionIterator struct {
	db   *gorm.DB
	rows *sql.Rows
}

// Next scans one row from the cursor.
func (it *gormTransactionIterator) Next() (models.CreditTransaction, bool, error) {
	if !it.rows.Next() {
		return models.CreditTransaction{}, false, it.rows.Err()
	}
	var row models.CreditTransaction
	if errScan := it.db.ScanRows(it.rows, &row); errScan != nil {
		return models.CreditTransaction{}, false, errScan
	}
	return row, true, nil
}

// Close releases the cursor.
func (it *gormTransactionIterator) Close() error { return it.rows.Close() }

// GormAggregates implements AggregateStore.
type GormAggregates struct {
	db *gorm.DB
}

// QueryToolAggregatesForDate reads one day of tool aggregates through the
// composite workspace+date index.
func (s *GormAggregates) QueryToolAggregatesForDate(ctx context.Context, workspaceID string, date time.Time) ([]models.UsageAggregate, error) {
	day := truncateToDay(date)
	q := s.db.WithContext(ctx)
	// SQLite INDEXED BY fails hard when the index is missing, which is
	// exactly the signal the fallback path keys on. Postgres has no hint
	// syntax; its planner picks the index on its own.
	if db.IsSQLite(s.db) {
		q = q.Table("usage_aggregates INDEXED BY idx_usage_aggregates_ws_date")
	} else {
		q = q.Model(&models.UsageAggregate{})
	}
	var rows []models.UsageAggregate
	errFind := q.
		Where("workspace_id = ? AND date = ? AND kind = ?", workspaceID, day, models.AggregateKindTool).
		Find(&rows).Error
	if errFind != nil {
		if isIndexNotFound(errFind) {
			return nil, ErrIndexNotFound
		}
		return nil, errFind
	}
	return rows, nil
}

// QueryAggregatesForWorkspace scans every aggregate row for a workspace.
func (s *GormAggregates) QueryAggregatesForWorkspace(ctx context.Context, workspaceID string) ([]models.UsageAggregate, error) {
	var rows []models.UsageAggregate
	errFind := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// QueryAggregates returns aggregate rows within [start, end].
func (s *GormAggregates) QueryAggregates(ctx context.Context, workspaceID string, start, end time.Time) ([]models.UsageAggregate, error) {
	var rows []models.UsageAggregate
	errFind := s.db.WithContext(ctx).
		Where("workspace_id = ? AND date >= ? AND date <= ?", workspaceID, truncateToDay(start), truncateToDay(end)).
		Order("date ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// GormConversations implements ConversationStore.
type GormConversations struct {
	db *gorm.DB
}

// ListByWorkspace returns conversation rows within [start, end].
func (s *GormConversations) ListByWorkspace(ctx context.Context, workspaceID string, start, end time.Time) ([]models.Conversation, error) {
	var rows []models.Conversation
	q := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start.UTC())
	}
	if !end.IsZero() {
		q = q.Where("created_at <= ?", end.UTC())
	}
	if errFind := q.Order("created_at ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// isIndexNotFound recognizes missing-index errors across dialects.
func isIndexNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such index") ||
		(strings.Contains(msg, "index") && strings.Contains(msg, "does not exist"))
}

// truncateToDay normalizes a timestamp to UTC midnight.
func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
