package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatforge/creditledger/internal/usage"
)

// UsageHandler serves aggregated usage statistics.
type UsageHandler struct {
	querier *usage.Querier
}

// NewUsageHandler constructs a usage handler.
func NewUsageHandler(querier *usage.Querier) *UsageHandler {
	return &UsageHandler{querier: querier}
}

// Query returns merged usage statistics for a date range.
func (h *UsageHandler) Query(c *gin.Context) {
	start, errStart := parseDateParam(c.Query("start"))
	if errStart != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start date"})
		return
	}
	end, errEnd := parseDateParam(c.Query("end"))
	if errEnd != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end date"})
		return
	}

	stats, errQuery := h.querier.QueryUsageStats(c.Request.Context(), usage.QueryParams{
		WorkspaceID: c.Param("id"),
		Start:       start,
		End:         end,
	})
	if errQuery != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":    stats,
		"cost_usd": float64(stats.CostMicros) / 1_000_000,
	})
}

// parseDateParam accepts RFC3339 timestamps or YYYY-MM-DD dates.
func parseDateParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, errRFC := time.Parse(time.RFC3339, value); errRFC == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
