package handlers

import (
	"net/http"
	"time"

	"duel-escrow/internal/store"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	store   *store.Store
	network string
}

func NewHealthHandler(st *store.Store, network string) *HealthHandler {
	return &HealthHandler{store: st, network: network}
}

// Health reports service status and store counters
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	stats := h.store.Stats()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "ok",
		"network": h.network,
		"time":    time.Now().Format(time.RFC3339),
		"duels": gin.H{
			"created": stats.Created,
			"expired": stats.Expired,
			"live":    stats.Live,
		},
	})
}

// Ready reports readiness to serve
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "ready"})
}

// Live reports process liveness
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "alive"})
}
