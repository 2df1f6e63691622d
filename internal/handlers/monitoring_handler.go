package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cirx-backend/internal/services"
)

// MonitoringHandler exposes health probes and the monitoring report.
type MonitoringHandler struct {
	monitoring *services.MonitoringService
	startedAt  time.Time
}

func NewMonitoringHandler(monitoring *services.MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{
		monitoring: monitoring,
		startedAt:  time.Now(),
	}
}

// Health handles GET /health. Probes the database and the treasury
// wallet: a dead database is unhealthy (503), a missing wallet keeps the
// API up but reports degraded.
func (h *MonitoringHandler) Health(c *gin.Context) {
	dbOK, walletConfigured := h.monitoring.Healthz(c.Request.Context())

	status := "ok"
	code := http.StatusOK
	switch {
	case !dbOK:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !walletConfigured:
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":            status,
		"service":           "cirx-backend",
		"database":          dbOK,
		"wallet_configured": walletConfigured,
		"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
	})
}

// Report handles GET /api/v1/admin/monitoring/report. Runs the full
// alert evaluation and returns it as JSON.
func (h *MonitoringHandler) Report(c *gin.Context) {
	report, err := h.monitoring.GenerateReport(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("❌ Failed to generate monitoring report")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to generate monitoring report",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
	})
}
