// Package handlers implements the HTTP handlers for the reporting surface.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/creditledger/internal/store"
)

// BalanceHandler serves workspace balance reads.
type BalanceHandler struct {
	balances store.BalanceStore
}

// NewBalanceHandler constructs a balance handler.
func NewBalanceHandler(balances store.BalanceStore) *BalanceHandler {
	return &BalanceHandler{balances: balances}
}

// Get returns the current workspace balance.
func (h *BalanceHandler) Get(c *gin.Context) {
	balance, errGet := h.balances.Get(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		if errors.Is(errGet, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workspace_id":          balance.WorkspaceID,
		"credit_balance_micros": balance.CreditBalanceMicros,
		"credit_balance_usd":    float64(balance.CreditBalanceMicros) / 1_000_000,
		"currency":              balance.Currency,
	})
}
