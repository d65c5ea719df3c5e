package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/ws"
)

// WSHandler hace el upgrade a WebSocket y entrega la conexión al Connection Manager.
type WSHandler struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader
	manager  *ws.Manager
}

func NewWSHandler(logger *zap.Logger, manager *ws.Manager, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		logger:   logger,
		upgrader: ws.NewUpgrader(allowedOrigins),
		manager:  manager,
	}
}

// Connect maneja GET /ws.
func (h *WSHandler) Connect(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade ya respondió al cliente.
		h.logger.Info("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}
	if _, err := h.manager.Accept(identity, conn); err != nil {
		h.logger.Warn("accept connection failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}
