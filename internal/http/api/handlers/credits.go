package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/creditledger/internal/ledger"
)

// CreditHandler serves admin credit top-ups.
type CreditHandler struct {
	engine *ledger.Engine
}

// NewCreditHandler constructs a credit handler.
func NewCreditHandler(engine *ledger.Engine) *CreditHandler {
	return &CreditHandler{engine: engine}
}

// purchaseRequest is the admin top-up payload.
type purchaseRequest struct {
	AmountMicros int64  `json:"amount_micros" binding:"required"`
	Reference    string `json:"reference"`
}

// Purchase credits a workspace balance and records the purchase entry.
func (h *CreditHandler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.AmountMicros <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if errCredit := h.engine.Credit(c.Request.Context(), c.Param("id"), req.AmountMicros, req.Reference); errCredit != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited_micros": req.AmountMicros})
}
