package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatforge/creditledger/internal/models"
)

// Memory is an in-process store bundle implementing the same atomic-update
// contract as the GORM bundle. The engine has no ambient dependencies, so
// tests run entirely against this implementation; InjectConflicts simulates
// concurrent writers losing conditional writes.
type Memory struct {
	mu sync.Mutex

	balances      map[string]models.WorkspaceBalance
	reservations  map[string]models.CreditReservation
	transactions  []models.CreditTransaction
	aggregates    []models.UsageAggregate
	conversations []models.Conversation

	forcedConflicts int
	dateIndex       bool

	Balances      *MemoryBalances
	Reservations  *MemoryReservations
	Transactions  *MemoryTransactions
	Aggregates    *MemoryAggregates
	Conversations *MemoryConversations
}

// NewMemory constructs an empty in-memory store bundle.
func NewMemory() *Memory {
	m := &Memory{
		balances:     make(map[string]models.WorkspaceBalance),
		reservations: make(map[string]models.CreditReservation),
		dateIndex:    true,
	}
	m.Balances = &MemoryBalances{m: m}
	m.Reservations = &MemoryReservations{m: m}
	m.Transactions = &MemoryTransactions{m: m}
	m.Aggregates = &MemoryAggregates{m: m}
	m.Conversations = &MemoryConversations{m: m}
	return m
}

// InjectConflicts makes the next n conditional writes fail as if a concurrent
// writer had committed first.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedConflicts = n
}

// DropDateIndex makes QueryToolAggregatesForDate fail with ErrIndexNotFound.
func (m *Memory) DropDateIndex() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dateIndex = false
}

// AddAggregate seeds one pre-aggregated row.
func (m *Memory) AddAggregate(row models.UsageAggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates = append(m.aggregates, row)
}

// AddConversation seeds one conversation row.
func (m *Memory) AddConversation(row models.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = append(m.conversations, row)
}

// TransactionCount returns the number of ledger entries written so far.
func (m *Memory) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// AllTransactions returns a copy of the ledger, oldest first.
func (m *Memory) AllTransactions() []models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CreditTransaction, len(m.transactions))
	copy(out, m.transactions)
	return out
}

// takeConflict consumes one injected conflict, if any. Caller holds the lock.
func (m *Memory) takeConflict() bool {
	if m.forcedConflicts > 0 {
		m.forcedConflicts--
		return true
	}
	return false
}

// MemoryBalances implements BalanceStore.
type MemoryBalances struct {
	m *Memory
}

// Get returns the balance row for a workspace.
func (s *MemoryBalances) Get(ctx context.Context, workspaceID string) (*models.WorkspaceBalance, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row, ok := s.m.balances[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := row
	return &out, nil
}

// Create inserts a balance row.
func (s *MemoryBalances) Create(ctx context.Context, balance *models.WorkspaceBalance) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.balances[balance.WorkspaceID]; ok {
		return fmt.Errorf("store: balance %s already exists", balance.WorkspaceID)
	}
	s.m.balances[balance.WorkspaceID] = *balance
	return nil
}

// AtomicUpdate applies update under the optimistic contract.
func (s *MemoryBalances) AtomicUpdate(ctx context.Context, workspaceID string, maxRetries int, update BalanceUpdater) (*models.WorkspaceBalance, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		s.m.mu.Lock()
		current, ok := s.m.balances[workspaceID]
		if !ok {
			s.m.mu.Unlock()
			return nil, ErrNotFound
		}
		next := current
		if errUpdate := update(&next); errUpdate != nil {
			s.m.mu.Unlock()
			return nil, errUpdate
		}
		if s.m.takeConflict() {
			s.m.mu.Unlock()
			continue
		}
		next.Version = current.Version + 1
		s.m.balances[workspaceID] = next
		s.m.mu.Unlock()
		out := next
		return &out, nil
	}
	return nil, fmt.Errorf("%w: balance %s", ErrRetriesExhausted, workspaceID)
}

// MemoryReservations implements ReservationStore.
type MemoryReservations struct {
	m *Memory
}

// Get returns one reservation row.
func (s *MemoryReservations) Get(ctx context.Context, id string) (*models.CreditReservation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row, ok := s.m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := row
	return &out, nil
}

// Create inserts a reservation row.
func (s *MemoryReservations) Create(ctx context.Context, reservation *models.CreditReservation) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.reservations[reservation.ID]; ok {
		return fmt.Errorf("store: reservation %s already exists", reservation.ID)
	}
	s.m.reservations[reservation.ID] = *reservation
	return nil
}

// Delete removes a reservation and reports whether a row existed.
func (s *MemoryReservations) Delete(ctx context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.reservations[id]; !ok {
		return false, nil
	}
	delete(s.m.reservations, id)
	return true, nil
}

// AtomicUpdate applies update under the optimistic contract.
func (s *MemoryReservations) AtomicUpdate(ctx context.Context, id string, maxRetries int, update ReservationUpdater) (*models.CreditReservation, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		s.m.mu.Lock()
		current, ok := s.m.reservations[id]
		if !ok {
			s.m.mu.Unlock()
			return nil, ErrNotFound
		}
		next := current
		if errUpdate := update(&next); errUpdate != nil {
			s.m.mu.Unlock()
			return nil, errUpdate
		}
		if s.m.takeConflict() {
			s.m.mu.Unlock()
			continue
		}
		next.Version = current.Version + 1
		s.m.reservations[id] = next
		s.m.mu.Unlock()
		out := next
		return &out, nil
	}
	return nil, fmt.Errorf("%w: reservation %s", ErrRetriesExhausted, id)
}

// ListExpired returns reservations whose TTL passed before the cutoff.
func (s *MemoryReservations) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.CreditReservation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.CreditReservation
	for _, row := range s.m.reservations {
		if row.ExpiresAt.Before(cutoff) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOpen returns unsettled reservations for one workspace.
func (s *MemoryReservations) ListOpen(ctx context.Context, workspaceID string) ([]models.CreditReservation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.CreditReservation
	for _, row := range s.m.reservations {
		if row.WorkspaceID != workspaceID {
			continue
		}
		switch row.State {
		case models.StateReserved, models.StateAdjusted, models.StateVerifying, models.StateVerified:
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryTransactions implements TransactionLog.
type MemoryTransactions struct {
	m *Memory
}

// Append writes one ledger entry.
func (s *MemoryTransactions) Append(ctx context.Context, transaction *models.CreditTransaction) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row := *transaction
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.m.transactions = append(s.m.transactions, row)
	return nil
}

// Stream iterates over a snapshot of matching ledger entries.
func (s *MemoryTransactions) Stream(ctx context.Context, query TransactionQuery) (TransactionIterator, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var rows []models.CreditTransaction
	for _, row := range s.m.transactions {
		if query.WorkspaceID != "" && row.WorkspaceID != query.WorkspaceID {
			continue
		}
		if !query.Start.IsZero() && row.CreatedAt.Before(query.Start) {
			continue
		}
		if !query.End.IsZero() && row.CreatedAt.After(query.End) {
			continue
		}
		if len(query.Sources) > 0 && !containsString(query.Sources, row.Source) {
			continue
		}
		if containsString(query.ExcludeSources, row.Source) {
			continue
		}
		rows = append(rows, row)
	}
	return &sliceTransactionIterator{rows: rows}, nil
}

type sliceTransactionIterator struct {
	rows []models.CreditTransaction
	pos  int
}

// Next returns the next snapshot row.
func (it *sliceTransactionIterator) Next() (models.CreditTransaction, bool, error) {
	if it.pos >= len(it.rows) {
		return models.CreditTransaction{}, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

// Close is a no-op for snapshot iterators.
func (it *sliceTransactionIterator) Close() error { return nil }

// MemoryAggregates implements AggregateStore.
type MemoryAggregates struct {
	m *Memory
}

// QueryToolAggregatesForDate reads one day of tool aggregates, failing with
// ErrIndexNotFound when the simulated index was dropped.
func (s *MemoryAggregates) QueryToolAggregatesForDate(ctx context.Context, workspaceID string, date time.Time) ([]models.UsageAggregate, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if !s.m.dateIndex {
		return nil, ErrIndexNotFound
	}
	day := truncateToDay(date)
	var out []models.UsageAggregate
	for _, row := range s.m.aggregates {
		if row.WorkspaceID == workspaceID && row.Kind == models.AggregateKindTool && truncateToDay(row.Date).Equal(day) {
			out = append(out, row)
		}
	}
	return out, nil
}

// QueryAggregatesForWorkspace scans every aggregate row for a workspace.
func (s *MemoryAggregates) QueryAggregatesForWorkspace(ctx context.Context, workspaceID string) ([]models.UsageAggregate, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.UsageAggregate
	for _, row := range s.m.aggregates {
		if row.WorkspaceID == workspaceID {
			out = append(out, row)
		}
	}
	return out, nil
}

// QueryAggregates returns aggregate rows within [start, end].
func (s *MemoryAggregates) QueryAggregates(ctx context.Context, workspaceID string, start, end time.Time) ([]models.UsageAggregate, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	startDay := truncateToDay(start)
	endDay := truncateToDay(end)
	var out []models.UsageAggregate
	for _, row := range s.m.aggregates {
		day := truncateToDay(row.Date)
		if row.WorkspaceID == workspaceID && !day.Before(startDay) && !day.After(endDay) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// MemoryConversations implements ConversationStore.
type MemoryConversations struct {
	m *Memory
}

// ListByWorkspace returns conversation rows within [start, end].
func (s *MemoryConversations) ListByWorkspace(ctx context.Context, workspaceID string, start, end time.Time) ([]models.Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []models.Conversation
	for _, row := range s.m.conversations {
		if row.WorkspaceID != workspaceID {
			continue
		}
		if !start.IsZero() && row.CreatedAt.Before(start) {
			continue
		}
		if !end.IsZero() && row.CreatedAt.After(end) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// containsString reports whether values includes v.
func containsString(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
