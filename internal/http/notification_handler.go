package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/service"
)

// NotificationHandler expone el buzón de notificaciones del usuario autenticado.
type NotificationHandler struct {
	logger        *zap.Logger
	notifications *service.NotificationService
}

func NewNotificationHandler(logger *zap.Logger, notifications *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{logger: logger, notifications: notifications}
}

// List maneja GET /notifications?limit=N.
func (h *NotificationHandler) List(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.notifications.List(c.Request.Context(), identity.UserID, limit)
	if err != nil {
		h.logger.Error("list notifications failed", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

// Unread maneja GET /notifications/unread.
func (h *NotificationHandler) Unread(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	n, err := h.notifications.UnreadCount(c.Request.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("count unread failed", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not count notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": n})
}

// Acknowledge maneja POST /notifications/:id/ack.
func (h *NotificationHandler) Acknowledge(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	record, err := h.notifications.Acknowledge(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case errors.Is(err, service.ErrNotificationMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("ack notification failed", zap.String("user_id", identity.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not acknowledge notification"})
	default:
		c.JSON(http.StatusOK, gin.H{"notification": record})
	}
}
