package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/service"
)

// ConversationHandler expone las conversaciones y el replay por REST.
type ConversationHandler struct {
	logger        *zap.Logger
	conversations *service.ConversationService
	delivery      *service.DeliveryService
}

func NewConversationHandler(
	logger *zap.Logger,
	conversations *service.ConversationService,
	delivery *service.DeliveryService,
) *ConversationHandler {
	return &ConversationHandler{
		logger:        logger,
		conversations: conversations,
		delivery:      delivery,
	}
}

// Create maneja POST /conversations.
func (h *ConversationHandler) Create(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req struct {
		Participants []string `json:"participants" binding:"required,min=1,dive,required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create conversation request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conv, err := h.conversations.Create(c.Request.Context(), identity.UserID, req.Participants)
	if err != nil {
		h.respondError(c, err, "could not create conversation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// List maneja GET /conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	convs, err := h.conversations.ListFor(c.Request.Context(), identity.UserID)
	if err != nil {
		h.respondError(c, err, "could not list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// Messages maneja GET /conversations/:id/messages?since=N.
func (h *ConversationHandler) Messages(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		since = parsed
	}

	msgs, err := h.delivery.ReplaySince(c.Request.Context(), c.Param("id"), identity.UserID, since)
	if err != nil {
		h.respondError(c, err, "could not load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ConversationHandler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrConversationMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, service.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domain.ErrConversationParticipants):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
