// Package verification consumes provider-confirmed generation costs from
// the asynchronous verification queue and feeds them into the ledger.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/ledger"
)

// DefaultQueueKey is the redis list the gateway pushes deliveries onto.
const DefaultQueueKey = "creditledger:cost-verifications"

const popTimeout = 5 * time.Second

// Delivery is one verified generation cost. At-least-once: duplicates and
// out-of-order arrival are expected; the ledger accumulator dedups.
type Delivery struct {
	ReservationID string `json:"reservation_id"`
	GenerationID  string `json:"generation_id"`
	CostMicros    int64  `json:"cost_micros"`
}

// Validate rejects deliveries the ledger could never apply.
func (d Delivery) Validate() error {
	if strings.TrimSpace(d.ReservationID) == "" {
		return errors.New("verification: empty reservation id")
	}
	if strings.TrimSpace(d.GenerationID) == "" {
		return errors.New("verification: empty generation id")
	}
	if d.CostMicros < 0 {
		return fmt.Errorf("verification: negative cost %d", d.CostMicros)
	}
	return nil
}

// Consumer drains the verification queue and settles reservations once
// every expected generation is confirmed.
type Consumer struct {
	rdb      *redis.Client
	engine   *ledger.Engine
	queueKey string
}

// NewConsumer constructs a verification queue consumer.
func NewConsumer(rdb *redis.Client, engine *ledger.Engine, queueKey string) *Consumer {
	if rdb == nil || engine == nil {
		return nil
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = DefaultQueueKey
	}
	return &Consumer{rdb: rdb, engine: engine, queueKey: queueKey}
}

// Start launches the consume loop in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if errPoll := c.pollOnce(ctx); errPoll != nil {
				log.WithError(errPoll).Warn("verification: queue poll failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()
}

// pollOnce blocks for one delivery and applies it.
func (c *Consumer) pollOnce(ctx context.Context) error {
	values, errPop := c.rdb.BLPop(ctx, popTimeout, c.queueKey).Result()
	if errPop != nil {
		if errors.Is(errPop, redis.Nil) || errors.Is(errPop, context.Canceled) {
			return nil
		}
		return errPop
	}
	if len(values) != 2 {
		return nil
	}
	c.Handle(ctx, []byte(values[1]))
	return nil
}

// Handle decodes and applies one raw delivery. Malformed payloads are
// dropped with a log; a poison message must not wedge the queue.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	var delivery Delivery
	if errDecode := json.Unmarshal(payload, &delivery); errDecode != nil {
		log.WithError(errDecode).Warn("verification: dropping undecodable delivery")
		return
	}
	if errValidate := delivery.Validate(); errValidate != nil {
		log.WithError(errValidate).Warn("verification: dropping invalid delivery")
		return
	}

	result, errRecord := c.engine.RecordVerifiedGeneration(ctx, delivery.ReservationID, delivery.GenerationID, delivery.CostMicros)
	if errRecord != nil {
		log.WithError(errRecord).WithFields(log.Fields{
			"reservation": delivery.ReservationID,
			"generation":  delivery.GenerationID,
		}).Warn("verification: recording generation cost failed")
		return
	}
	if !result.AllVerified {
		return
	}

	outcome, errFinalize := c.engine.Finalize(ctx, delivery.ReservationID, result.TotalMicros, ledger.DefaultMaxRetries)
	if errFinalize != nil {
		log.WithError(errFinalize).WithField("reservation", delivery.ReservationID).
			Warn("verification: finalize failed; sweeper will settle at estimate")
		return
	}
	if outcome == ledger.OutcomeApplied {
		log.WithFields(log.Fields{
			"reservation": delivery.ReservationID,
			"total":       result.TotalMicros,
		}).Info("verification: reservation settled at provider-verified cost")
	}
}
