// Package store defines the persistence boundary for the credit ledger.
//
// All shared mutable state (workspace balances, credit reservations) is
// mutated exclusively through AtomicUpdate: a read-modify-conditional-write
// cycle that retries the whole cycle on version conflicts. Updater functions
// must be pure; they may run several times before one commit wins.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatforge/creditledger/internal/models"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: record not found")
	// ErrRetriesExhausted reports an AtomicUpdate that never won a commit.
	ErrRetriesExhausted = errors.New("store: atomic update retries exhausted")
	// ErrIndexNotFound reports a query against a secondary index the
	// storage layer does not have.
	ErrIndexNotFound = errors.New("store: index not found")
)

// BalanceUpdater mutates a copy of the current balance row. Returning an
// error aborts the update without writing; the error is passed through.
type BalanceUpdater func(balance *models.WorkspaceBalance) error

// ReservationUpdater mutates a copy of the current reservation row.
type ReservationUpdater func(reservation *models.CreditReservation) error

// BalanceStore persists workspace balances.
type BalanceStore interface {
	Get(ctx context.Context, workspaceID string) (*models.WorkspaceBalance, error)
	Create(ctx context.Context, balance *models.WorkspaceBalance) error
	// AtomicUpdate re-reads the row, applies update to a copy and commits it
	// conditionally on the version observed at read time, retrying the whole
	// cycle up to maxRetries times before failing with ErrRetriesExhausted.
	AtomicUpdate(ctx context.Context, workspaceID string, maxRetries int, update BalanceUpdater) (*models.WorkspaceBalance, error)
}

// ReservationStore persists credit reservations.
type ReservationStore interface {
	Get(ctx context.Context, id string) (*models.CreditReservation, error)
	Create(ctx context.Context, reservation *models.CreditReservation) error
	// Delete removes the reservation and reports whether a row existed. The
	// bool is what makes redundant refunds safe: only the caller that
	// actually deleted the row applies the balance credit.
	Delete(ctx context.Context, id string) (bool, error)
	AtomicUpdate(ctx context.Context, id string, maxRetries int, update ReservationUpdater) (*models.CreditReservation, error)
	// ListExpired returns reservations whose TTL passed before the cutoff.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.CreditReservation, error)
	// ListOpen returns unsettled reservations for one workspace.
	ListOpen(ctx context.Context, workspaceID string) ([]models.CreditReservation, error)
}

// TransactionQuery selects ledger entries for streaming aggregation.
type TransactionQuery struct {
	WorkspaceID    string
	Start          time.Time
	End            time.Time
	Sources        []string // Include only these sources, when non-empty.
	ExcludeSources []string // Drop these sources.
}

// TransactionIterator walks query results one row at a time so aggregation
// never materializes the full transaction set.
type TransactionIterator interface {
	// Next returns the next row. ok is false once the sequence is done or an
	// error occurred; err carries the failure, if any.
	Next() (row models.CreditTransaction, ok bool, err error)
	Close() error
}

// TransactionLog is the append-only audit ledger.
type TransactionLog interface {
	Append(ctx context.Context, transaction *models.CreditTransaction) error
	Stream(ctx context.Context, query TransactionQuery) (TransactionIterator, error)
}

// AggregateStore reads pre-aggregated historical usage.
type AggregateStore interface {
	// QueryToolAggregatesForDate uses the composite workspace+date index and
	// returns ErrIndexNotFound when the storage layer lacks it.
	QueryToolAggregatesForDate(ctx context.Context, workspaceID string, date time.Time) ([]models.UsageAggregate, error)
	// QueryAggregatesForWorkspace scans by workspace only; callers filter
	// client-side. Fallback path for QueryToolAggregatesForDate.
	QueryAggregatesForWorkspace(ctx context.Context, workspaceID string) ([]models.UsageAggregate, error)
	// QueryAggregates returns rows of every kind within [start, end].
	QueryAggregates(ctx context.Context, workspaceID string, start, end time.Time) ([]models.UsageAggregate, error)
}

// ConversationStore reads conversation records for token aggregation.
type ConversationStore interface {
	ListByWorkspace(ctx context.Context, workspaceID string, start, end time.Time) ([]models.Conversation, error)
}
