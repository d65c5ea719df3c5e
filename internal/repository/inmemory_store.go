package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Amr2/wanna-help/internal/domain"
)

// memoryBackend guarda todo en mapas protegidos por un unico mutex; pensado para tests y una sola instancia.
type memoryBackend struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	cursors       map[string]domain.ReceiptCursor
	notifications map[string]domain.NotificationRecord
	notifKeys     map[string]string
}

// NewMemoryStore crea un Store en memoria.
func NewMemoryStore() Store {
	b := &memoryBackend{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		cursors:       make(map[string]domain.ReceiptCursor),
		notifications: make(map[string]domain.NotificationRecord),
		notifKeys:     make(map[string]string),
	}
	return Store{
		Conversations: memoryConversations{b},
		Messages:      memoryMessages{b},
		Receipts:      memoryReceipts{b},
		Notifications: memoryNotifications{b},
	}
}

type memoryConversations struct{ b *memoryBackend }

func (r memoryConversations) Create(_ context.Context, conversation domain.Conversation) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if _, ok := r.b.conversations[conversation.ID]; ok {
		return ErrDuplicate
	}
	conversation.Participants = append([]string(nil), conversation.Participants...)
	r.b.conversations[conversation.ID] = conversation
	return nil
}

func (r memoryConversations) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	conv, ok := r.b.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, nil
}

func (r memoryConversations) ListByParticipant(_ context.Context, userID string) ([]domain.Conversation, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	convs := lo.Filter(lo.Values(r.b.conversations), func(c domain.Conversation, _ int) bool {
		return c.HasParticipant(userID)
	})
	sortConversations(convs)
	return convs, nil
}

type memoryMessages struct{ b *memoryBackend }

func (r memoryMessages) Append(_ context.Context, message domain.Message) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	conv, ok := r.b.conversations[message.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if message.Sequence != conv.LastSequence+1 {
		return ErrSequenceConflict
	}
	conv.LastSequence = message.Sequence
	r.b.conversations[conv.ID] = conv
	message.Receipts = nil
	r.b.messages[conv.ID] = append(r.b.messages[conv.ID], message)
	return nil
}

func (r memoryMessages) ListSince(_ context.Context, conversationID string, after int64, limit int) ([]domain.Message, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	all := r.b.messages[conversationID]
	// Las secuencias empiezan en 1 y no tienen huecos, asi que el indice es sequence-1.
	if after < 0 {
		after = 0
	}
	if after >= int64(len(all)) {
		return nil, nil
	}
	out := all[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.Message(nil), out...), nil
}

type memoryReceipts struct{ b *memoryBackend }

func cursorKey(conversationID, recipient string) string {
	return conversationID + "\x00" + recipient
}

func (r memoryReceipts) Get(_ context.Context, conversationID, recipient string) (domain.ReceiptCursor, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	cursor, ok := r.b.cursors[cursorKey(conversationID, recipient)]
	if !ok {
		return domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}, nil
	}
	return cursor, nil
}

func (r memoryReceipts) Advance(_ context.Context, conversationID, recipient string, state domain.DeliveryState, through int64) (domain.ReceiptCursor, domain.ReceiptCursor, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	key := cursorKey(conversationID, recipient)
	before, ok := r.b.cursors[key]
	if !ok {
		before = domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}
	}
	after := advanceCursor(before, state, through)
	r.b.cursors[key] = after
	return before, after, nil
}

type memoryNotifications struct{ b *memoryBackend }

func (r memoryNotifications) Create(_ context.Context, record domain.NotificationRecord) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	key := cursorKey(record.EventID, record.Recipient)
	if _, ok := r.b.notifKeys[key]; ok {
		return false, nil
	}
	r.b.notifKeys[key] = record.ID
	r.b.notifications[record.ID] = record
	return true, nil
}

func (r memoryNotifications) GetByID(_ context.Context, id string) (domain.NotificationRecord, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	record, ok := r.b.notifications[id]
	if !ok {
		return domain.NotificationRecord{}, ErrNotFound
	}
	return record, nil
}

func (r memoryNotifications) ListByRecipient(_ context.Context, recipient string, states []domain.NotificationState, limit int) ([]domain.NotificationRecord, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	records := lo.Filter(lo.Values(r.b.notifications), func(n domain.NotificationRecord, _ int) bool {
		return n.Recipient == recipient && (len(states) == 0 || lo.Contains(states, n.State))
	})
	sortNotifications(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r memoryNotifications) UpdateState(_ context.Context, id string, from, to domain.NotificationState, at time.Time) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	record, ok := r.b.notifications[id]
	if !ok || record.State != from {
		return false, nil
	}
	r.b.notifications[id] = applyNotificationState(record, to, at)
	return true, nil
}

func (r memoryNotifications) CountUnread(_ context.Context, recipient string) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return lo.CountBy(lo.Values(r.b.notifications), func(n domain.NotificationRecord) bool {
		return n.Recipient == recipient && !n.Read
	}), nil
}

func sortNotifications(records []domain.NotificationRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func sortConversations(convs []domain.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
}
