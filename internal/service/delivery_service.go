package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/metrics"
	"github.com/Amr2/wanna-help/internal/repository"
)

const (
	defaultReplayLimit = 200
	maxAppendAttempts  = 10
)

// MessageDraft es lo que el emisor propone; la secuencia la asigna el servicio.
type MessageDraft struct {
	Kind            domain.MessageKind
	Payload         json.RawMessage
	Attachment      *domain.Attachment
	ClientMessageID string
}

// DeliveryService asigna secuencias, persiste mensajes y lleva los acuses por destinatario.
type DeliveryService struct {
	logger        *zap.Logger
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	receipts      repository.ReceiptRepository
	locks         *keyedMutex
	validate      *validator.Validate
	replayLimit   int
	retry         func() backoff.BackOff
	now           func() time.Time
}

func NewDeliveryService(logger *zap.Logger, store repository.Store, replayLimit int) *DeliveryService {
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	return &DeliveryService{
		logger:        logger,
		conversations: store.Conversations,
		messages:      store.Messages,
		receipts:      store.Receipts,
		locks:         newKeyedMutex(),
		validate:      validator.New(),
		replayLimit:   replayLimit,
		retry: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 5 * time.Millisecond
			eb.MaxInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(eb, maxAppendAttempts)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *DeliveryService) validateDraft(draft MessageDraft) error {
	if !draft.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, draft.Kind)
	}
	if draft.Kind == domain.MessageKindSystem {
		return fmt.Errorf("%w: system messages cannot be sent by clients", ErrInvalidMessage)
	}
	if len(draft.Payload) > 0 && !json.Valid(draft.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	if draft.Kind == domain.MessageKindText && len(draft.Payload) == 0 {
		return fmt.Errorf("%w: text message without payload", ErrInvalidMessage)
	}
	if draft.Kind != domain.MessageKindText && draft.Attachment == nil {
		return fmt.Errorf("%w: %s message requires an attachment", ErrInvalidMessage, draft.Kind)
	}
	if draft.Attachment == nil {
		return nil
	}
	if err := s.validate.Struct(draft.Attachment); err != nil {
		return fmt.Errorf("%w: attachment: %v", ErrInvalidMessage, err)
	}
	mime := mimetype.Lookup(strings.ToLower(strings.TrimSpace(draft.Attachment.MimeType)))
	if mime == nil {
		return fmt.Errorf("%w: unsupported mime type %q", ErrInvalidMessage, draft.Attachment.MimeType)
	}
	if draft.Kind == domain.MessageKindImage && !strings.HasPrefix(mime.String(), "image/") {
		return fmt.Errorf("%w: image message with %s attachment", ErrInvalidMessage, mime.String())
	}
	return nil
}

// Append persiste el mensaje con la siguiente secuencia de la conversación. Solo
// cuando devuelve nil el mensaje es durable y puede acusarse al emisor.
func (s *DeliveryService) Append(ctx context.Context, conversationID, sender string, draft MessageDraft) (domain.Message, error) {
	if err := s.validateDraft(draft); err != nil {
		return domain.Message{}, err
	}
	conv, err := loadConversation(ctx, s.conversations, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !conv.HasParticipant(sender) {
		return domain.Message{}, ErrNotParticipant
	}

	unlock := s.locks.Lock(conv.ID)
	defer unlock()

	msg := domain.Message{
		ConversationID:  conv.ID,
		SenderID:        sender,
		Kind:            draft.Kind,
		Payload:         draft.Payload,
		Attachment:      draft.Attachment,
		ClientMessageID: draft.ClientMessageID,
	}
	attempt := func() error {
		current, err := s.conversations.GetByID(ctx, conv.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(ErrConversationMissing)
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		}
		msg.Sequence = current.LastSequence + 1
		msg.CreatedAt = s.now()
		err = s.messages.Append(ctx, msg)
		if errors.Is(err, repository.ErrSequenceConflict) {
			// Otra instancia ganó la secuencia; se reintenta con la siguiente.
			metrics.SequenceConflicts.Inc()
			return err
		}
		if errors.Is(err, repository.ErrNotFound) {
			// La conversación desapareció entre la lectura y el insert.
			return backoff.Permanent(ErrConversationMissing)
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
		}
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(s.retry(), ctx)); err != nil {
		if errors.Is(err, repository.ErrSequenceConflict) {
			err = fmt.Errorf("%w: sequence contention on %s", ErrStorageUnavailable, conv.ID)
		}
		s.logger.Error("append message failed",
			zap.String("conversation_id", conv.ID),
			zap.String("sender_id", sender),
			zap.Error(err),
		)
		return domain.Message{}, err
	}

	metrics.MessagesAppended.Inc()
	msg.Receipts = make(map[string]domain.DeliveryState)
	for _, r := range conv.Recipients(sender) {
		msg.Receipts[r] = domain.DeliverySent
	}
	return msg, nil
}

func (s *DeliveryService) MarkDelivered(ctx context.Context, conversationID string, sequence int64, recipient string) ([]domain.Receipt, error) {
	return s.mark(ctx, conversationID, sequence, recipient, domain.DeliveryDelivered)
}

func (s *DeliveryService) MarkRead(ctx context.Context, conversationID string, sequence int64, recipient string) ([]domain.Receipt, error) {
	return s.mark(ctx, conversationID, sequence, recipient, domain.DeliveryRead)
}

// mark avanza la marca de agua y devuelve solo las transiciones nuevas. Repetir
// un acuse ya aplicado no es un error: devuelve una lista vacía.
func (s *DeliveryService) mark(ctx context.Context, conversationID string, sequence int64, recipient string, state domain.DeliveryState) ([]domain.Receipt, error) {
	conv, err := loadConversation(ctx, s.conversations, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(recipient) {
		return nil, ErrNotParticipant
	}
	if sequence < 1 || sequence > conv.LastSequence {
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceOutOfRange, sequence, conv.LastSequence)
	}

	before, after, err := s.receipts.Advance(ctx, conv.ID, recipient, state, sequence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	from := before.DeliveredThrough
	if state == domain.DeliveryRead && before.ReadThrough < from {
		from = before.ReadThrough
	}
	to := after.DeliveredThrough
	if from >= to {
		return []domain.Receipt{}, nil
	}

	at := s.now()
	receipts := make([]domain.Receipt, 0, to-from)
	cursor := from
	for cursor < to {
		page, err := s.messages.ListSince(ctx, conv.ID, cursor, s.replayLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			if msg.Sequence > to {
				break
			}
			cursor = msg.Sequence
			if msg.SenderID == recipient {
				continue
			}
			prev, next := before.StateOf(msg.Sequence), after.StateOf(msg.Sequence)
			if next <= prev {
				continue
			}
			receipts = append(receipts, domain.Receipt{
				ConversationID: conv.ID,
				Sequence:       msg.Sequence,
				SenderID:       msg.SenderID,
				Recipient:      recipient,
				State:          next,
				At:             at,
			})
		}
		if page[len(page)-1].Sequence >= to {
			break
		}
	}
	return receipts, nil
}

// ReplaySince devuelve, en orden y sin huecos, los mensajes posteriores a sequence
// con el estado de entrega de cada destinatario.
func (s *DeliveryService) ReplaySince(ctx context.Context, conversationID, viewer string, sequence int64) ([]domain.Message, error) {
	conv, err := loadConversation(ctx, s.conversations, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewer) {
		return nil, ErrNotParticipant
	}
	if sequence < 0 {
		sequence = 0
	}
	msgs, err := s.messages.ListSince(ctx, conv.ID, sequence, s.replayLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	cursors := make(map[string]domain.ReceiptCursor, len(conv.Participants))
	for _, p := range conv.Participants {
		c, err := s.receipts.Get(ctx, conv.ID, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		cursors[p] = c
	}
	for i := range msgs {
		msgs[i].Receipts = make(map[string]domain.DeliveryState)
		for _, r := range conv.Recipients(msgs[i].SenderID) {
			msgs[i].Receipts[r] = cursors[r].StateOf(msgs[i].Sequence)
		}
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Cursor devuelve las marcas de agua del destinatario.
func (s *DeliveryService) Cursor(ctx context.Context, conversationID, recipient string) (domain.ReceiptCursor, error) {
	c, err := s.receipts.Get(ctx, conversationID, recipient)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return c, nil
}
