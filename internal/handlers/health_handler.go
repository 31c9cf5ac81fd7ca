package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RegisterHealthRoutes registers GET /health.
func RegisterHealthRoutes(r *gin.Engine, cfg HandlerConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r.GET("/health", func(c *gin.Context) {
		snap, err := cfg.Health.HealthSnapshot(c.Request.Context())
		if err != nil {
			logger.Error("health snapshot failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"total":     snap.Total,
			"verified":  snap.Verified,
			"fulfilled": snap.Fulfilled,
			"last_24h":  snap.Last24h,
		})
	})
}
