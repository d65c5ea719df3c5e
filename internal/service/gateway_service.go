package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/ws"
)

// LocalConnections es lo que el gateway consulta del Connection Manager.
type LocalConnections interface {
	HasConnections(userID string) bool
	Identities() []string
}

type GatewayConfig struct {
	InstanceID  string
	PresenceTTL time.Duration
}

// GatewayService despacha los frames de cada conexión hacia los componentes del chat.
type GatewayService struct {
	logger        *zap.Logger
	cfg           GatewayConfig
	local         LocalConnections
	presence      *PresenceService
	conversations *ConversationService
	delivery      *DeliveryService
	router        *RouterService
	notifications *NotificationService
	limiter       RateLimiter
}

func NewGatewayService(
	logger *zap.Logger,
	cfg GatewayConfig,
	local LocalConnections,
	presence *PresenceService,
	conversations *ConversationService,
	delivery *DeliveryService,
	router *RouterService,
	notifications *NotificationService,
	limiter RateLimiter,
) *GatewayService {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 2 * time.Minute
	}
	g := &GatewayService{
		logger:        logger,
		cfg:           cfg,
		local:         local,
		presence:      presence,
		conversations: conversations,
		delivery:      delivery,
		router:        router,
		notifications: notifications,
		limiter:       limiter,
	}
	presence.OnChange(func(record domain.PresenceRecord) {
		router.RoutePresence(context.Background(), record)
	})
	return g
}

var _ ws.FrameHandler = (*GatewayService)(nil)

func (g *GatewayService) HandleConnect(ctx context.Context, s ws.Session) {
	userID := s.Identity().UserID
	if _, err := g.presence.SetOnline(ctx, userID, g.cfg.InstanceID); err != nil {
		g.logger.Warn("set online failed", zap.String("user_id", userID), zap.Error(err))
	}
	if g.notifications == nil {
		return
	}
	surfaced, err := g.notifications.Flush(ctx, userID)
	if err != nil {
		g.logger.Warn("flush notifications failed", zap.String("user_id", userID), zap.Error(err))
	}
	for _, record := range surfaced {
		if err := s.Send(domain.NotificationFrame(record)); err != nil {
			return
		}
	}
}

func (g *GatewayService) HandleFrame(ctx context.Context, s ws.Session, frame domain.InboundFrame) {
	switch frame.Type {
	case domain.FrameMessage:
		g.handleMessage(ctx, s, frame)
	case domain.FrameTyping:
		g.handleTyping(ctx, s, frame)
	case domain.FrameAck:
		g.handleAck(ctx, s, frame)
	case domain.FrameResume:
		g.handleResume(ctx, s, frame)
	case domain.FramePing:
		if err := g.presence.Touch(ctx, s.Identity().UserID, g.cfg.InstanceID); err != nil {
			g.logger.Debug("presence touch failed", zap.String("user_id", s.Identity().UserID), zap.Error(err))
		}
		_ = s.Send(domain.PongFrame())
	}
}

// HandleDisconnect solo marca offline cuando se cerró la última conexión local.
func (g *GatewayService) HandleDisconnect(ctx context.Context, s ws.Session, _ string) {
	userID := s.Identity().UserID
	if g.local != nil && g.local.HasConnections(userID) {
		return
	}
	if _, err := g.presence.SetOffline(ctx, userID, g.cfg.InstanceID); err != nil {
		g.logger.Warn("set offline failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Run renueva la presencia de las identidades conectadas antes de que venza su TTL.
func (g *GatewayService) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.PresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, userID := range g.local.Identities() {
				if err := g.presence.Touch(ctx, userID, g.cfg.InstanceID); err != nil {
					g.logger.Warn("presence refresh failed", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
	}
}

func (g *GatewayService) handleMessage(ctx context.Context, s ws.Session, frame domain.InboundFrame) {
	userID := s.Identity().UserID
	if g.limiter != nil && !g.limiter.Allow(userID) {
		_ = s.Send(domain.ErrorFrame(errorCode(ErrRateLimited), ErrRateLimited, frame.ClientMessageID))
		return
	}
	// Un append en curso no se cancela aunque la conexión se cierre.
	writeCtx := context.WithoutCancel(ctx)
	msg, err := g.delivery.Append(writeCtx, frame.ConversationID, userID, MessageDraft{
		Kind:            frame.Kind,
		Payload:         frame.Payload,
		Attachment:      frame.Attachment,
		ClientMessageID: frame.ClientMessageID,
	})
	if err != nil {
		g.logger.Info("message rejected",
			zap.String("conversation_id", frame.ConversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		_ = s.Send(domain.ErrorFrame(errorCode(err), err, frame.ClientMessageID))
		return
	}
	_ = s.Send(domain.AckFrame(msg))
	g.presence.SetTyping(ctx, userID, msg.ConversationID, false)

	if _, err := g.router.RouteMessage(writeCtx, msg); err != nil {
		g.logger.Warn("route message failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.Int64("sequence", msg.Sequence),
			zap.Error(err),
		)
	}
}

func (g *GatewayService) handleTyping(ctx context.Context, s ws.Session, frame domain.InboundFrame) {
	userID := s.Identity().UserID
	if _, err := g.conversations.Get(ctx, frame.ConversationID, userID); err != nil {
		_ = s.Send(domain.ErrorFrame(errorCode(err), err, ""))
		return
	}
	g.presence.SetTyping(ctx, userID, frame.ConversationID, frame.IsTyping)
}

func (g *GatewayService) handleAck(ctx context.Context, s ws.Session, frame domain.InboundFrame) {
	userID := s.Identity().UserID
	state, err := domain.ParseDeliveryState(frame.State)
	if err != nil {
		_ = s.Send(domain.ErrorFrame(errorCode(domain.ErrInvalidFrame), err, ""))
		return
	}
	var receipts []domain.Receipt
	if state == domain.DeliveryRead {
		receipts, err = g.delivery.MarkRead(ctx, frame.ConversationID, frame.Sequence, userID)
	} else {
		receipts, err = g.delivery.MarkDelivered(ctx, frame.ConversationID, frame.Sequence, userID)
	}
	if err != nil {
		_ = s.Send(domain.ErrorFrame(errorCode(err), err, ""))
		return
	}
	g.router.RouteReceipts(ctx, receipts)
}

// handleResume reenvía lo pendiente solo a esta conexión. Sin cursores, cada conversación
// se reanuda desde su marca de entrega.
func (g *GatewayService) handleResume(ctx context.Context, s ws.Session, frame domain.InboundFrame) {
	userID := s.Identity().UserID
	cursors := frame.Conversations
	if len(cursors) == 0 {
		convs, err := g.conversations.ListFor(ctx, userID)
		if err != nil {
			_ = s.Send(domain.ErrorFrame(errorCode(err), err, ""))
			return
		}
		for _, conv := range convs {
			cursor, err := g.delivery.Cursor(ctx, conv.ID, userID)
			if err != nil {
				_ = s.Send(domain.ErrorFrame(errorCode(err), err, ""))
				return
			}
			cursors = append(cursors, domain.ResumeCursor{ID: conv.ID, LastSequence: cursor.DeliveredThrough})
		}
	}

	for _, cursor := range cursors {
		if err := g.replay(ctx, s, cursor); err != nil {
			if errors.Is(err, ws.ErrConnectionClosed) || errors.Is(err, ws.ErrSlowConsumer) {
				return
			}
			_ = s.Send(domain.ErrorFrame(errorCode(err), err, ""))
		}
	}
}

func (g *GatewayService) replay(ctx context.Context, s ws.Session, cursor domain.ResumeCursor) error {
	since := cursor.LastSequence
	for {
		msgs, err := g.delivery.ReplaySince(ctx, cursor.ID, s.Identity().UserID, since)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			if err := s.Send(domain.MessageFrame(msg)); err != nil {
				return err
			}
		}
		since = msgs[len(msgs)-1].Sequence
	}
}

// errorCode traduce errores del dominio a códigos estables para el frame de error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, ErrConversationMissing):
		return "not_found"
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrSequenceOutOfRange), errors.Is(err, domain.ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	}
	return "internal"
}
