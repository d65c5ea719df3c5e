package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/repository"
)

// ConnectionCounter lo implementa el Connection Manager.
type ConnectionCounter interface {
	Count() int
}

type HealthHandler struct {
	logger      *zap.Logger
	instanceID  string
	storage     repository.Pinger
	connections ConnectionCounter
}

// NewHealthHandler acepta storage nil para backends sin conectividad externa.
func NewHealthHandler(logger *zap.Logger, instanceID string, storage repository.Pinger, connections ConnectionCounter) *HealthHandler {
	return &HealthHandler{logger: logger, instanceID: instanceID, storage: storage, connections: connections}
}

// Health maneja GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{"status": "ok", "instance": h.instanceID}
	if h.connections != nil {
		body["connections"] = h.connections.Count()
	}
	if h.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			h.logger.Warn("storage ping failed", zap.Error(err))
			body["status"] = "degraded"
			body["storage"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
