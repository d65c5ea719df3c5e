package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/bus"
	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
	"github.com/Amr2/wanna-help/internal/repository"
)

const (
	routeDedupSize = 50_000
	routeDedupTTL  = 10 * time.Minute

	routeLocal      = "local"
	routeRemote     = "remote"
	routeUnroutable = "unroutable"
	routeDuplicate  = "duplicate"
)

// LocalDelivery es la vista del Connection Manager que necesita el router.
type LocalDelivery interface {
	SendToIdentity(userID string, frame domain.OutboundFrame) int
	HasConnections(userID string) bool
}

// OfflineQueue recibe los destinatarios que no se pudieron alcanzar en vivo.
type OfflineQueue interface {
	QueueOffline(ctx context.Context, recipient string, event domain.DomainEvent) error
}

// RouteResult resume a quién se entregó un mensaje y por qué camino.
type RouteResult struct {
	Targets    []string `json:"targets"`
	Local      []string `json:"local"`
	Remote     []string `json:"remote"`
	Unroutable []string `json:"unroutable"`
}

// RouterService resuelve mensajes, receipts, presencia y eventos a conexiones vivas.
type RouterService struct {
	logger        *zap.Logger
	instanceID    string
	local         LocalDelivery
	presence      PresenceReader
	bus           bus.Bus
	conversations repository.ConversationRepository
	offline       OfflineQueue

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]
}

func NewRouterService(
	logger *zap.Logger,
	instanceID string,
	local LocalDelivery,
	presence PresenceReader,
	b bus.Bus,
	conversations repository.ConversationRepository,
	offline OfflineQueue,
) *RouterService {
	return &RouterService{
		logger:        logger,
		instanceID:    instanceID,
		local:         local,
		presence:      presence,
		bus:           b,
		conversations: conversations,
		offline:       offline,
		seen:          expirable.NewLRU[string, struct{}](routeDedupSize, nil, routeDedupTTL),
	}
}

// Start suscribe el router a las entregas enrutadas y a los eventos de dominio en vivo.
// Las suscripciones son transitorias: lo perdido se recupera por replay.
func (r *RouterService) Start(b bus.Bus, notifyTopics []string) ([]bus.Subscription, error) {
	var subs []bus.Subscription
	routed, err := b.Subscribe("chat.*", bus.Options{}, r.HandleRouted)
	if err != nil {
		return nil, err
	}
	subs = append(subs, routed)
	for _, pattern := range notifyTopics {
		sub, err := b.Subscribe(pattern, bus.Options{}, func(ctx context.Context, event domain.DomainEvent) error {
			r.RouteEvent(ctx, event)
			return nil
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// RouteMessage entrega el mensaje a cada participante salvo el emisor.
func (r *RouterService) RouteMessage(ctx context.Context, msg domain.Message) (RouteResult, error) {
	conv, err := loadConversation(ctx, r.conversations, msg.ConversationID)
	if err != nil {
		return RouteResult{}, err
	}
	frame := domain.MessageFrame(msg)
	result := RouteResult{
		Targets:    conv.Recipients(msg.SenderID),
		Local:      []string{},
		Remote:     []string{},
		Unroutable: []string{},
	}
	for _, target := range result.Targets {
		path := r.deliver(ctx, domain.TopicChatMessage, target, msg.DedupKey(target), frame, true)
		switch path {
		case routeLocal, routeDuplicate:
			result.Local = append(result.Local, target)
		case routeRemote:
			result.Remote = append(result.Remote, target)
		default:
			result.Unroutable = append(result.Unroutable, target)
			r.logger.Info("unroutable target, queueing notification",
				zap.String("conversation_id", msg.ConversationID),
				zap.Int64("sequence", msg.Sequence),
				zap.String("target", target),
			)
			r.queueMessage(ctx, target, frame)
		}
	}
	return result, nil
}

// RouteReceipts avisa al emisor de cada mensaje de sus nuevas transiciones.
func (r *RouterService) RouteReceipts(ctx context.Context, receipts []domain.Receipt) {
	for _, receipt := range receipts {
		key := fmt.Sprintf("receipt:%s:%d:%s:%s", receipt.ConversationID, receipt.Sequence, receipt.Recipient, receipt.State)
		r.deliver(ctx, domain.TopicChatReceipt, receipt.SenderID, key, domain.ReceiptFrame(receipt), false)
	}
}

// RoutePresence reparte un cambio de presencia a quienes comparten conversación con la identidad.
// Un cambio de typing solo llega a los participantes de esa conversación.
func (r *RouterService) RoutePresence(ctx context.Context, record domain.PresenceRecord) {
	var targets []string
	if record.ConversationID != "" {
		conv, err := loadConversation(ctx, r.conversations, record.ConversationID)
		if err != nil {
			r.logger.Warn("presence route lookup failed", zap.String("conversation_id", record.ConversationID), zap.Error(err))
			return
		}
		targets = conv.Recipients(record.Identity)
	} else {
		convs, err := r.conversations.ListByParticipant(ctx, record.Identity)
		if err != nil {
			r.logger.Warn("presence route lookup failed", zap.String("identity", record.Identity), zap.Error(err))
			return
		}
		targets = lo.Uniq(lo.FlatMap(convs, func(c domain.Conversation, _ int) []string {
			return c.Recipients(record.Identity)
		}))
	}
	frame := domain.PresenceFrame(record)
	for _, target := range targets {
		r.deliver(ctx, domain.TopicChatPresence, target, "", frame, false)
	}
}

// RouteEvent empuja un evento de dominio a las conexiones locales de sus destinatarios.
func (r *RouterService) RouteEvent(_ context.Context, event domain.DomainEvent) []string {
	if domain.IsInternalTopic(event.Topic) {
		return nil
	}
	delivered := []string{}
	frame := domain.EventFrame(event)
	for _, target := range event.Recipients() {
		if !r.local.HasConnections(target) {
			continue
		}
		if !r.claim("event:" + event.ID + ":" + target) {
			metrics.Routes.WithLabelValues("event", routeDuplicate).Inc()
			continue
		}
		if r.local.SendToIdentity(target, frame) > 0 {
			metrics.Routes.WithLabelValues("event", routeLocal).Inc()
			delivered = append(delivered, target)
		}
	}
	return delivered
}

// HandleRouted completa en esta instancia una entrega publicada por otra.
func (r *RouterService) HandleRouted(ctx context.Context, event domain.DomainEvent) error {
	var routed domain.RoutedDelivery
	if err := json.Unmarshal(event.Payload, &routed); err != nil {
		r.logger.Warn("malformed routed delivery", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if routed.TargetInstance != r.instanceID {
		return nil
	}
	kind := routeKind(event.Topic)
	if routed.DedupKey != "" && !r.claim(routed.DedupKey) {
		metrics.Routes.WithLabelValues(kind, routeDuplicate).Inc()
		return nil
	}
	if r.local.HasConnections(routed.TargetIdentity) && r.local.SendToIdentity(routed.TargetIdentity, routed.Frame) > 0 {
		metrics.Routes.WithLabelValues(kind, routeLocal).Inc()
		return nil
	}
	if routed.DedupKey != "" {
		r.forget(routed.DedupKey)
	}
	metrics.Routes.WithLabelValues(kind, routeUnroutable).Inc()
	if routed.Fallback {
		r.logger.Info("routed target no longer connected, queueing notification",
			zap.String("target", routed.TargetIdentity),
			zap.String("conversation_id", routed.Frame.ConversationID),
		)
		r.queueMessage(ctx, routed.TargetIdentity, routed.Frame)
	}
	return nil
}

// deliver intenta la entrega local y si no, publica una entrega enrutada a la instancia del destinatario.
func (r *RouterService) deliver(ctx context.Context, topic, target, dedupKey string, frame domain.OutboundFrame, fallback bool) string {
	kind := routeKind(topic)
	if r.local.HasConnections(target) {
		if dedupKey != "" && !r.claim(dedupKey) {
			metrics.Routes.WithLabelValues(kind, routeDuplicate).Inc()
			return routeDuplicate
		}
		if r.local.SendToIdentity(target, frame) > 0 {
			metrics.Routes.WithLabelValues(kind, routeLocal).Inc()
			return routeLocal
		}
		// Se desconectó entre la comprobación y el envío.
		if dedupKey != "" {
			r.forget(dedupKey)
		}
	}

	instance := r.remoteInstance(ctx, target)
	if instance == "" || r.bus == nil {
		metrics.Routes.WithLabelValues(kind, routeUnroutable).Inc()
		return routeUnroutable
	}
	payload, err := json.Marshal(domain.RoutedDelivery{
		TargetIdentity: target,
		TargetInstance: instance,
		DedupKey:       dedupKey,
		Fallback:       fallback,
		Frame:          frame,
	})
	if err != nil {
		r.logger.Error("encode routed delivery", zap.String("target", target), zap.Error(err))
		return routeUnroutable
	}
	if _, err := r.bus.Publish(bus.WithProducer(ctx, r.instanceID), topic, payload); err != nil {
		r.logger.Warn("publish routed delivery failed", zap.String("target", target), zap.String("instance", instance), zap.Error(err))
		metrics.Routes.WithLabelValues(kind, routeUnroutable).Inc()
		return routeUnroutable
	}
	metrics.Routes.WithLabelValues(kind, routeRemote).Inc()
	return routeRemote
}

// remoteInstance devuelve la última instancia conocida del destinatario si es otra y sigue online.
func (r *RouterService) remoteInstance(ctx context.Context, target string) string {
	if r.presence == nil {
		return ""
	}
	record, err := r.presence.Query(ctx, target)
	if err != nil {
		r.logger.Warn("presence query failed", zap.String("target", target), zap.Error(err))
		return ""
	}
	if !record.Online || record.InstanceID == "" || record.InstanceID == r.instanceID {
		return ""
	}
	return record.InstanceID
}

func (r *RouterService) queueMessage(ctx context.Context, target string, frame domain.OutboundFrame) {
	if r.offline == nil || frame.Type != domain.FrameMessage {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("encode offline message", zap.Error(err))
		return
	}
	publishedAt := time.Now().UTC()
	if frame.CreatedAt != nil {
		publishedAt = *frame.CreatedAt
	}
	event := domain.DomainEvent{
		ID:          domain.ChatMessageEventID(frame.ConversationID, frame.Sequence),
		Topic:       domain.TopicChatMessage,
		Payload:     payload,
		ProducerID:  r.instanceID,
		PublishedAt: publishedAt,
	}
	if err := r.offline.QueueOffline(ctx, target, event); err != nil {
		r.logger.Warn("queue offline notification failed",
			zap.String("target", target),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// claim registra la clave y devuelve false si ya se había entregado.
func (r *RouterService) claim(key string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen.Contains(key) {
		return false
	}
	r.seen.Add(key, struct{}{})
	return true
}

func (r *RouterService) forget(key string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	r.seen.Remove(key)
}

func routeKind(topic string) string {
	switch topic {
	case domain.TopicChatMessage:
		return "message"
	case domain.TopicChatReceipt:
		return "receipt"
	case domain.TopicChatPresence:
		return "presence"
	}
	return "event"
}
