package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"github.com/Amr2/wanna-help/internal/domain"
)

// Esquema de claves; los segmentos variables van separados por \x00 para que
// un id con ":" no caiga dentro del prefijo de otro:
//
//	conv\x00{id}                          -> Conversation
//	member\x00{user}\x00{conv}             -> indice de participantes
//	msg\x00{conv}\x00{sequence 19 digitos} -> Message
//	cursor\x00{conv}\x00{recipient}        -> ReceiptCursor
//	notif\x00{id}                         -> NotificationRecord
//	notif_event\x00{event}\x00{recipient}  -> id de la notificacion
//	notif_rcpt\x00{recipient}\x00{id}      -> indice por destinatario
const badgerConflictRetries = 5

type badgerBackend struct {
	db *badger.DB
}

// OpenBadgerStore abre (o crea) la base embebida. Con inMemory ignora path.
func OpenBadgerStore(path string, inMemory bool) (Store, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return Store{}, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore arma el Store sobre una instancia ya abierta. Close cierra la base.
func NewBadgerStore(db *badger.DB) Store {
	b := &badgerBackend{db: db}
	return Store{
		Conversations: badgerConversations{b},
		Messages:      badgerMessages{b},
		Receipts:      badgerReceipts{b},
		Notifications: badgerNotifications{b},
		close:         db.Close,
	}
}

const keySep = "\x00"

func badgerKey(parts ...string) []byte { return []byte(strings.Join(parts, keySep)) }

func badgerPrefix(parts ...string) []byte { return append(badgerKey(parts...), keySep...) }

func convKey(id string) []byte { return badgerKey("conv", id) }

func memberPrefix(userID string) []byte { return badgerPrefix("member", userID) }

func msgPrefix(conversationID string) []byte { return badgerPrefix("msg", conversationID) }

func msgKey(conversationID string, sequence int64) []byte {
	return badgerKey("msg", conversationID, fmt.Sprintf("%019d", sequence))
}

func receiptKey(conversationID, recipient string) []byte {
	return badgerKey("cursor", conversationID, recipient)
}

func notifKey(id string) []byte { return badgerKey("notif", id) }

func notifEventKey(eventID, recipient string) []byte {
	return badgerKey("notif_event", eventID, recipient)
}

func notifRecipientPrefix(recipient string) []byte { return badgerPrefix("notif_rcpt", recipient) }

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// update reintenta la transaccion cuando badger detecta un conflicto optimista.
func (b *badgerBackend) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

type badgerConversations struct{ b *badgerBackend }

func (r badgerConversations) Create(_ context.Context, conversation domain.Conversation) error {
	return r.b.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conversation.ID)); err == nil {
			return ErrDuplicate
		}
		if err := setJSON(txn, convKey(conversation.ID), conversation); err != nil {
			return err
		}
		for _, p := range conversation.Participants {
			if err := txn.Set(append(memberPrefix(p), conversation.ID...), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r badgerConversations) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := r.b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &conv)
	})
	return conv, err
}

func (r badgerConversations) ListByParticipant(_ context.Context, userID string) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	err := r.b.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			var conv domain.Conversation
			if err := getJSON(txn, convKey(id), &conv); err != nil {
				return err
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortConversations(convs)
	return convs, nil
}

type badgerMessages struct{ b *badgerBackend }

func (r badgerMessages) Append(_ context.Context, message domain.Message) error {
	err := r.b.db.Update(func(txn *badger.Txn) error {
		var conv domain.Conversation
		if err := getJSON(txn, convKey(message.ConversationID), &conv); err != nil {
			return err
		}
		if message.Sequence != conv.LastSequence+1 {
			return ErrSequenceConflict
		}
		conv.LastSequence = message.Sequence
		if err := setJSON(txn, convKey(conv.ID), conv); err != nil {
			return err
		}
		message.Receipts = nil
		return setJSON(txn, msgKey(message.ConversationID, message.Sequence), message)
	})
	// Un conflicto optimista significa que otro escritor toco la conversacion.
	if errors.Is(err, badger.ErrConflict) {
		return ErrSequenceConflict
	}
	return err
}

func (r badgerMessages) ListSince(_ context.Context, conversationID string, after int64, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.b.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(msgKey(conversationID, after+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, err
}

type badgerReceipts struct{ b *badgerBackend }

func (r badgerReceipts) Get(_ context.Context, conversationID, recipient string) (domain.ReceiptCursor, error) {
	cursor := domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}
	err := r.b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, receiptKey(conversationID, recipient), &cursor)
	})
	if errors.Is(err, ErrNotFound) {
		return cursor, nil
	}
	return cursor, err
}

func (r badgerReceipts) Advance(_ context.Context, conversationID, recipient string, state domain.DeliveryState, through int64) (domain.ReceiptCursor, domain.ReceiptCursor, error) {
	var before, after domain.ReceiptCursor
	err := r.b.update(func(txn *badger.Txn) error {
		before = domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}
		if err := getJSON(txn, receiptKey(conversationID, recipient), &before); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		after = advanceCursor(before, state, through)
		if after == before {
			return nil
		}
		return setJSON(txn, receiptKey(conversationID, recipient), after)
	})
	return before, after, err
}

type badgerNotifications struct{ b *badgerBackend }

func (r badgerNotifications) Create(_ context.Context, record domain.NotificationRecord) (bool, error) {
	created := false
	err := r.b.update(func(txn *badger.Txn) error {
		created = false
		eventKey := notifEventKey(record.EventID, record.Recipient)
		if _, err := txn.Get(eventKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(eventKey, []byte(record.ID)); err != nil {
			return err
		}
		if err := txn.Set(append(notifRecipientPrefix(record.Recipient), record.ID...), nil); err != nil {
			return err
		}
		created = true
		return setJSON(txn, notifKey(record.ID), record)
	})
	return created, err
}

func (r badgerNotifications) GetByID(_ context.Context, id string) (domain.NotificationRecord, error) {
	var record domain.NotificationRecord
	err := r.b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, notifKey(id), &record)
	})
	return record, err
}

func (r badgerNotifications) listAll(recipient string) ([]domain.NotificationRecord, error) {
	var records []domain.NotificationRecord
	err := r.b.db.View(func(txn *badger.Txn) error {
		prefix := notifRecipientPrefix(recipient)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			var record domain.NotificationRecord
			if err := getJSON(txn, notifKey(id), &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func (r badgerNotifications) ListByRecipient(_ context.Context, recipient string, states []domain.NotificationState, limit int) ([]domain.NotificationRecord, error) {
	all, err := r.listAll(recipient)
	if err != nil {
		return nil, err
	}
	records := lo.Filter(all, func(n domain.NotificationRecord, _ int) bool {
		return len(states) == 0 || lo.Contains(states, n.State)
	})
	sortNotifications(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (r badgerNotifications) UpdateState(_ context.Context, id string, from, to domain.NotificationState, at time.Time) (bool, error) {
	updated := false
	err := r.b.update(func(txn *badger.Txn) error {
		updated = false
		var record domain.NotificationRecord
		err := getJSON(txn, notifKey(id), &record)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.State != from {
			return nil
		}
		updated = true
		return setJSON(txn, notifKey(id), applyNotificationState(record, to, at))
	})
	return updated, err
}

func (r badgerNotifications) CountUnread(_ context.Context, recipient string) (int, error) {
	all, err := r.listAll(recipient)
	if err != nil {
		return 0, err
	}
	return lo.CountBy(all, func(n domain.NotificationRecord) bool { return !n.Read }), nil
}
