package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/creditledger/internal/models"
	"github.com/chatforge/creditledger/internal/store"
)

// ReservationHandler serves open-hold listings.
type ReservationHandler struct {
	reservations store.ReservationStore
}

// NewReservationHandler constructs a reservation handler.
func NewReservationHandler(reservations store.ReservationStore) *ReservationHandler {
	return &ReservationHandler{reservations: reservations}
}

// openReservation is the wire shape of one open hold.
type openReservation struct {
	ID              string                  `json:"id"`
	State           models.ReservationState `json:"state"`
	Provider        string                  `json:"provider,omitempty"`
	Model           string                  `json:"model,omitempty"`
	ToolCall        string                  `json:"tool_call,omitempty"`
	ReservedMicros  int64                   `json:"reserved_micros"`
	TokenCostMicros *int64                  `json:"token_cost_micros,omitempty"`
	ExpiresAt       string                  `json:"expires_at"`
}

// ListOpen returns the workspace's unsettled reservations.
func (h *ReservationHandler) ListOpen(c *gin.Context) {
	rows, errList := h.reservations.ListOpen(c.Request.Context(), c.Param("id"))
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reservation listing failed"})
		return
	}
	out := make([]openReservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, openReservation{
			ID:              row.ID,
			State:           row.State,
			Provider:        row.Provider,
			Model:           row.Model,
			ToolCall:        row.ToolCall,
			ReservedMicros:  row.ReservedMicros,
			TokenCostMicros: row.TokenCostMicros,
			ExpiresAt:       row.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}
