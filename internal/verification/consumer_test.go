package verification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

func newConsumerFixture(t *testing.T) (*Consumer, *ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	errCreate := mem.Balances.Create(context.Background(), &models.WorkspaceBalance{
		WorkspaceID:         "ws-1",
		CreditBalanceMicros: 1_000_000,
		Currency:            "usd",
	})
	if errCreate != nil {
		t.Fatalf("seeding balance: %v", errCreate)
	}
	engine := ledger.NewEngine(mem.Balances, mem.Reservations, mem.Transactions, time.Hour)
	// The client is never dialed; Handle is exercised directly.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	consumer := NewConsumer(rdb, engine, "")
	if consumer == nil {
		t.Fatalf("expected consumer constructed")
	}
	return consumer, engine, mem
}

func openVerifyingHold(t *testing.T, engine *ledger.Engine, generationIDs []string) string {
	t.Helper()
	ctx := context.Background()
	res, errReserve := engine.Reserve(ctx, ledger.ReserveParams{
		WorkspaceID:     "ws-1",
		Source:          models.SourceTextGeneration,
		EstimatedMicros: 50_000,
	})
	if errReserve != nil {
		t.Fatalf("reserve: %v", errReserve)
	}
	actual := int64(45_000)
	if _, errAdjust := engine.Adjust(ctx, ledger.AdjustParams{
		ReservationID:    res.ReservationID,
		WorkspaceID:      "ws-1",
		ActualCostMicros: &actual,
		GenerationIDs:    generationIDs,
	}); errAdjust != nil {
		t.Fatalf("adjust: %v", errAdjust)
	}
	return res.ReservationID
}

func deliver(t *testing.T, consumer *Consumer, d Delivery) {
	t.Helper()
	payload, errMarshal := json.Marshal(d)
	if errMarshal != nil {
		t.Fatalf("marshal: %v", errMarshal)
	}
	consumer.Handle(context.Background(), payload)
}

func TestHandleFinalizesOnceAllGenerationsVerified(t *testing.T) {
	ctx := context.Background()
	consumer, engine, mem := newConsumerFixture(t)
	id := openVerifyingHold(t, engine, []string{"gen-1", "gen-2"})

	deliver(t, consumer, Delivery{ReservationID: id, GenerationID: "gen-2", CostMicros: 20_000})
	if _, errGet := mem.Reservations.Get(ctx, id); errGet != nil {
		t.Fatalf("expected hold still open after partial verification, got %v", errGet)
	}

	deliver(t, consumer, Delivery{ReservationID: id, GenerationID: "gen-1", CostMicros: 24_000})
	if _, errGet := mem.Reservations.Get(ctx, id); !errors.Is(errGet, store.ErrNotFound) {
		t.Fatalf("expected hold settled after full verification, got %v", errGet)
	}

	row, errBalance := mem.Balances.Get(ctx, "ws-1")
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if row.CreditBalanceMicros != 1_000_000-44_000 {
		t.Fatalf("expected settlement at verified total 44000, got %d", row.CreditBalanceMicros)
	}
}

func TestHandleDropsMalformedPayloads(t *testing.T) {
	consumer, engine, mem := newConsumerFixture(t)
	id := openVerifyingHold(t, engine, []string{"gen-1"})

	consumer.Handle(context.Background(), []byte("not json"))
	consumer.Handle(context.Background(), []byte(`{"reservation_id":"","generation_id":"gen-1"}`))
	consumer.Handle(context.Background(), []byte(`{"reservation_id":"`+id+`","generation_id":"gen-1","cost_micros":-5}`))

	if _, errGet := mem.Reservations.Get(context.Background(), id); errGet != nil {
		t.Fatalf("expected hold untouched by dropped payloads, got %v", errGet)
	}
}

func TestHandleToleratesDuplicateDeliveries(t *testing.T) {
	ctx := context.Background()
	consumer, engine, mem := newConsumerFixture(t)
	id := openVerifyingHold(t, engine, []string{"gen-1", "gen-2"})

	deliver(t, consumer, Delivery{ReservationID: id, GenerationID: "gen-1", CostMicros: 20_000})
	deliver(t, consumer, Delivery{ReservationID: id, GenerationID: "gen-1", CostMicros: 20_000})
	deliver(t, consumer, Delivery{ReservationID: id, GenerationID: "gen-2", CostMicros: 22_000})

	row, errBalance := mem.Balances.Get(ctx, "ws-1")
	if errBalance != nil {
		t.Fatalf("balance: %v", errBalance)
	}
	if row.CreditBalanceMicros != 1_000_000-42_000 {
		t.Fatalf("expected duplicate ignored and total 42000 applied, got %d", row.CreditBalanceMicros)
	}
}

func TestDeliveryValidate(t *testing.T) {
	if err := (Delivery{ReservationID: "r", GenerationID: "g", CostMicros: 0}).Validate(); err != nil {
		t.Fatalf("expected zero-cost delivery valid, got %v", err)
	}
	if err := (Delivery{GenerationID: "g"}).Validate(); err == nil {
		t.Fatalf("expected missing reservation id rejected")
	}
	if err := (Delivery{ReservationID: "r"}).Validate(); err == nil {
		t.Fatalf("expected missing generation id rejected")
	}
	if err := (Delivery{ReservationID: "r", GenerationID: "g", CostMicros: -1}).Validate(); err == nil {
		t.Fatalf("expected negative cost rejected")
	}
}

func TestNewConsumerRejectsMissingDependencies(t *testing.T) {
	if NewConsumer(nil, nil, "") != nil {
		t.Fatalf("expected nil consumer without dependencies")
	}
}
