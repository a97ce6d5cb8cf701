package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatforge/creditledger/internal/http/api/handlers"
	"github.com/chatforge/creditledger/internal/ledger"
	"github.com/chatforge/creditledger/internal/logging"
	"github.com/chatforge/creditledger/internal/store"
	"github.com/chatforge/creditledger/internal/usage"
)

// RegisterRoutes wires the reporting and admin API onto a gin engine.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, stores *store.Gorm, engine *ledger.Engine, querier *usage.Querier, jwtSecret string) {
	if r == nil || db == nil {
		return
	}
	r.Use(logging.RequestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
	})

	balanceHandler := handlers.NewBalanceHandler(stores.Balances)
	usageHandler := handlers.NewUsageHandler(querier)
	reservationHandler := handlers.NewReservationHandler(stores.Reservations)

	workspaces := r.Group("/v0/workspaces/:id")
	workspaces.Use(APIKeyAuth(db), RequireWorkspace())
	workspaces.GET("/balance", balanceHandler.Get)
	workspaces.GET("/usage", usageHandler.Query)
	workspaces.GET("/reservations", reservationHandler.ListOpen)

	creditHandler := handlers.NewCreditHandler(engine)
	admin := r.Group("/v0/admin")
	admin.Use(AdminJWTAuth(jwtSecret))
	admin.POST("/workspaces/:id/credits", creditHandler.Purchase)
}
