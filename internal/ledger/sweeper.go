package ledger

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

const (
	defaultSweepInterval = 10 * time.Minute
	sweepBatchSize       = 200
)

// Sweeper reclaims reservations whose TTL passed without a terminal
// settlement, so holds stuck in partial verification never stay orphaned.
//
// Policy: a hold that was adjusted but never provider-verified settles at
// the token-based estimate; a hold that was never adjusted at all is kept
// as consumed, since the operation may have run without reporting usage.
// Both cases are logged for manual audit.
type Sweeper struct {
	engine       *Engine
	reservations store.ReservationStore
	interval     time.Duration
}

// NewSweeper constructs a reservation sweeper.
func NewSweeper(engine *Engine, reservations store.ReservationStore, interval time.Duration) *Sweeper {
	if engine == nil || reservations == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{engine: engine, reservations: reservations, interval: interval}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce processes one batch of expired reservations.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	rows, errList := s.reservations.ListExpired(ctx, time.Now().UTC(), sweepBatchSize)
	if errList != nil {
		log.WithError(errList).Warn("ledger sweeper: listing expired reservations failed")
		return
	}
	for _, row := range rows {
		s.reclaim(ctx, row)
	}
}

// reclaim applies the forced-settlement policy to one expired hold.
func (s *Sweeper) reclaim(ctx context.Context, r models.CreditReservation) {
	fields := log.Fields{
		"reservation": r.ID,
		"workspace":   r.WorkspaceID,
		"state":       string(r.State),
		"expired_at":  r.ExpiresAt,
	}
	switch r.State {
	case models.StateAdjusted, models.StateVerifying, models.StateVerified:
		outcome, errSettle := s.engine.SettleAtEstimate(ctx, r.ID)
		if errSettle != nil {
			log.WithError(errSettle).WithFields(fields).Warn("ledger sweeper: forced settlement failed")
			return
		}
		if outcome == OutcomeApplied {
			log.WithFields(fields).Warn("ledger sweeper: verification never completed; settled at token-based estimate")
		}
	case models.StateReserved:
		outcome, errConsume := s.engine.Consume(ctx, r.ID)
		if errConsume != nil {
			log.WithError(errConsume).WithFields(fields).Warn("ledger sweeper: reclaiming unadjusted hold failed")
			return
		}
		if outcome == OutcomeApplied {
			log.WithFields(fields).Warn("ledger sweeper: unadjusted hold expired; charge kept, flag for manual audit")
		}
	default:
		// Settled or consumed rows that survived a failed delete.
		if _, errDelete := s.reservations.Delete(ctx, r.ID); errDelete != nil {
			log.WithError(errDelete).WithFields(fields).Warn("ledger sweeper: deleting settled leftover failed")
		}
	}
}
