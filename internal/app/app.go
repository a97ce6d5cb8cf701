// Package app wires the ledger service: database, stores, reservation
// engine, background workers and the HTTP API.
package app

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/chatforge/creditledger/internal/config"
	"github.com/chatforge/creditledger/internal/db"
	internalhttp "github.com/chatforge/creditledger/internal/http"
	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/logging"
	"github.com/chatforge/creditledger/internal/store"
	"github.com/chatforge/creditledger/internal/usage"
	"github.com/chatforge/creditledger/internal/verification"
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the ledger service and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	stores := store.NewGorm(conn)
	engine := ledger.NewEngine(stores.Balances, stores.Reservations, stores.Transactions, cfg.Ledger.ReservationTTL)
	engine.SetMaxRetries(cfg.Ledger.MaxRetries)
	querier := usage.NewQuerier(stores.Transactions, stores.Aggregates, stores.Conversations)

	if sweeper := ledger.NewSweeper(engine, stores.Reservations, cfg.Ledger.SweepInterval); sweeper != nil {
		sweeper.Start(ctx)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if consumer := verification.NewConsumer(rdb, engine, cfg.Redis.QueueKey); consumer != nil {
			consumer.Start(ctx)
			log.WithField("queue", cfg.Redis.QueueKey).Info("verification consumer started")
		}
	} else {
		log.Warn("redis not configured; provider cost verification disabled, sweeper settles at estimates")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	internalhttp.RegisterRoutes(router, conn, stores, engine, querier, cfg.Auth.JWTSecret)

	server := &nethttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case errServe := <-errCh:
		if errors.Is(errServe, nethttp.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}
