package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/bus"
	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
	"github.com/Amr2/wanna-help/internal/push"
	"github.com/Amr2/wanna-help/internal/repository"
)

const (
	// NotificationGroup es el grupo durable del dispatcher en el bus.
	NotificationGroup = "notification-dispatcher"

	dedupTTL            = 24 * time.Hour
	defaultNotifyLimit  = 50
	maxNotificationList = 200
)

// PresenceReader es lo que el dispatcher necesita del Presence Tracker.
type PresenceReader interface {
	Query(ctx context.Context, identity string) (domain.PresenceRecord, error)
}

// NotificationService convierte eventos de dominio en registros de notificación por destinatario.
type NotificationService struct {
	logger   *zap.Logger
	repo     repository.NotificationRepository
	presence PresenceReader
	deduper  EventDeduper
	sender   push.Sender
	topics   []string
	now      func() time.Time
}

func NewNotificationService(
	logger *zap.Logger,
	repo repository.NotificationRepository,
	presence PresenceReader,
	deduper EventDeduper,
	sender push.Sender,
	topics []string,
) *NotificationService {
	if deduper == nil {
		deduper = NewMemoryEventDeduper()
	}
	if sender == nil {
		sender = push.NewDisabledSender("push sender not configured")
	}
	return &NotificationService{
		logger:   logger,
		repo:     repo,
		presence: presence,
		deduper:  deduper,
		sender:   sender,
		topics:   topics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registra el grupo durable; un solo miembro del cluster procesa cada evento.
func (s *NotificationService) Start(b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe("*", bus.Options{Group: NotificationGroup}, s.HandleEvent)
}

// HandleEvent es idempotente por event id. Un error devuelve el evento al bus.
func (s *NotificationService) HandleEvent(ctx context.Context, event domain.DomainEvent) error {
	if domain.IsInternalTopic(event.Topic) || !bus.MatchAny(s.topics, event.Topic) {
		return nil
	}
	recipients := event.Recipients()
	if len(recipients) == 0 {
		s.logger.Info("event without recipients", zap.String("event_id", event.ID), zap.String("topic", event.Topic))
		return nil
	}

	done, err := s.deduper.Done(ctx, event.ID)
	if err != nil {
		// Sin deduper rápido seguimos: la clave única del almacenamiento evita duplicados.
		s.logger.Warn("event deduper unavailable", zap.String("event_id", event.ID), zap.Error(err))
	}
	if done {
		return nil
	}

	for _, recipient := range recipients {
		if err := s.dispatch(ctx, recipient, event, false); err != nil {
			return err
		}
	}
	if err := s.deduper.MarkDone(ctx, event.ID, dedupTTL); err != nil {
		s.logger.Warn("mark event done failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

// QueueOffline guarda una notificación para un destinatario que no pudo recibir en vivo.
func (s *NotificationService) QueueOffline(ctx context.Context, recipient string, event domain.DomainEvent) error {
	return s.dispatch(ctx, recipient, event, true)
}

func (s *NotificationService) dispatch(ctx context.Context, recipient string, event domain.DomainEvent, forceQueue bool) error {
	state := domain.NotificationQueued
	if !forceQueue && s.isOnline(ctx, recipient) {
		state = domain.NotificationDeliveredLive
	}
	record := domain.NotificationRecord{
		ID:        uuid.NewString(),
		Recipient: recipient,
		EventID:   event.ID,
		Topic:     event.Topic,
		Payload:   event.Payload,
		State:     state,
		CreatedAt: s.now(),
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !created {
		return nil
	}
	metrics.Notifications.WithLabelValues(string(state)).Inc()
	if state == domain.NotificationQueued {
		s.push(ctx, record)
	}
	return nil
}

func (s *NotificationService) isOnline(ctx context.Context, recipient string) bool {
	if s.presence == nil {
		return false
	}
	record, err := s.presence.Query(ctx, recipient)
	if err != nil {
		s.logger.Warn("presence query failed, queueing", zap.String("recipient", recipient), zap.Error(err))
		return false
	}
	return record.Online
}

func (s *NotificationService) push(ctx context.Context, record domain.NotificationRecord) {
	if push.IsDisabled(s.sender) {
		return
	}
	badge, err := s.repo.CountUnread(ctx, record.Recipient)
	if err != nil {
		badge = 1
	}
	err = s.sender.Send(ctx, push.Payload{
		Recipient:      record.Recipient,
		NotificationID: record.ID,
		EventID:        record.EventID,
		Topic:          record.Topic,
		Data:           record.Payload,
		Badge:          badge,
	})
	if err != nil {
		metrics.PushFailures.Inc()
		s.logger.Warn("push delivery failed",
			zap.String("recipient", record.Recipient),
			zap.String("notification_id", record.ID),
			zap.Error(err),
		)
	}
}

// Flush pasa las notificaciones en cola a surfaced y las devuelve para enviarlas al conectar.
func (s *NotificationService) Flush(ctx context.Context, recipient string) ([]domain.NotificationRecord, error) {
	queued, err := s.repo.ListByRecipient(ctx, recipient, []domain.NotificationState{domain.NotificationQueued}, maxNotificationList)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	at := s.now()
	surfaced := make([]domain.NotificationRecord, 0, len(queued))
	for _, record := range queued {
		ok, err := s.repo.UpdateState(ctx, record.ID, domain.NotificationQueued, domain.NotificationSurfaced, at)
		if err != nil {
			return surfaced, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if !ok {
			// Otra conexión del mismo usuario ya lo hizo aflorar.
			continue
		}
		record.State = domain.NotificationSurfaced
		record.SurfacedAt = &at
		surfaced = append(surfaced, record)
	}
	return surfaced, nil
}

// Acknowledge marca la notificación como leída. Repetirlo no es un error.
func (s *NotificationService) Acknowledge(ctx context.Context, recipient, id string) (domain.NotificationRecord, error) {
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if errors.Is(err, repository.ErrNotFound) {
		return domain.NotificationRecord{}, ErrNotificationMissing
	}
	if err != nil {
		return domain.NotificationRecord{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if record.Recipient != recipient {
		return domain.NotificationRecord{}, ErrNotificationMissing
	}

	for attempt := 0; attempt < 3; attempt++ {
		if record.State == domain.NotificationAcknowledged {
			return record, nil
		}
		if !record.State.CanTransition(domain.NotificationAcknowledged) {
			return record, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.State, domain.NotificationAcknowledged)
		}
		at := s.now()
		ok, err := s.repo.UpdateState(ctx, record.ID, record.State, domain.NotificationAcknowledged, at)
		if err != nil {
			return record, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if ok {
			record.State = domain.NotificationAcknowledged
			record.Read = true
			record.AcknowledgedAt = &at
			return record, nil
		}
		if record, err = s.repo.GetByID(ctx, record.ID); err != nil {
			return record, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return record, fmt.Errorf("%w: concurrent updates on %s", ErrStorageUnavailable, record.ID)
}

func (s *NotificationService) List(ctx context.Context, recipient string, limit int) ([]domain.NotificationRecord, error) {
	if limit <= 0 {
		limit = defaultNotifyLimit
	}
	if limit > maxNotificationList {
		limit = maxNotificationList
	}
	records, err := s.repo.ListByRecipient(ctx, recipient, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if records == nil {
		records = []domain.NotificationRecord{}
	}
	return records, nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, recipient string) (int, error) {
	n, err := s.repo.CountUnread(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}
