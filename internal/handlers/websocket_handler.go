package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cirx-backend/internal/services"
)

// WebSocketHandler upgrades /ws/transactions/:id connections and hands
// them to the push service.
type WebSocketHandler struct {
	push *services.StatusPushService
}

func NewWebSocketHandler(push *services.StatusPushService) *WebSocketHandler {
	return &WebSocketHandler{push: push}
}

// Subscribe handles GET /ws/transactions/:id.
func (h *WebSocketHandler) Subscribe(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid transaction id",
		})
		return
	}

	h.push.HandleWebSocket(c.Writer, c.Request, id)
}

// Stats handles GET /ws/stats, a small operational endpoint.
func (h *WebSocketHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_connections": h.push.GetActiveConnections(),
	})
}
