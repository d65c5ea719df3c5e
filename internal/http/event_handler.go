package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Amr2/wanna-help/internal/bus"
	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/service"
)

const (
	producerIDHeader  = "X-Producer-ID"
	producerKeyHeader = "X-Producer-Key"
)

// EventHandler recibe eventos de dominio de otros servicios (bidding, agreements).
type EventHandler struct {
	logger *zap.Logger
	bus    bus.Bus
	// producers asocia el id del productor con el hash bcrypt de su clave.
	producers map[string]string
}

func NewEventHandler(logger *zap.Logger, b bus.Bus, producers map[string]string) *EventHandler {
	return &EventHandler{logger: logger, bus: b, producers: producers}
}

// Publish maneja POST /events.
func (h *EventHandler) Publish(c *gin.Context) {
	if len(h.producers) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event ingestion disabled"})
		return
	}
	producerID := strings.TrimSpace(c.GetHeader(producerIDHeader))
	hash, ok := h.producers[producerID]
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.GetHeader(producerKeyHeader))) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid producer credentials"})
		return
	}

	var req struct {
		Topic   string          `json:"topic" binding:"required"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid publish request", zap.String("producer_id", producerID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if domain.IsInternalTopic(req.Topic) {
		c.JSON(http.StatusForbidden, gin.H{"error": service.ErrInternalTopic.Error()})
		return
	}

	eventID, err := h.bus.Publish(bus.WithProducer(c.Request.Context(), producerID), req.Topic, req.Payload)
	switch {
	case errors.Is(err, bus.ErrInvalidTopic), errors.Is(err, bus.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("publish event failed",
			zap.String("producer_id", producerID),
			zap.String("topic", req.Topic),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not publish event"})
		return
	}

	h.logger.Info("event accepted",
		zap.String("producer_id", producerID),
		zap.String("topic", req.Topic),
		zap.String("event_id", eventID),
	)
	c.JSON(http.StatusAccepted, gin.H{"eventId": eventID})
}
