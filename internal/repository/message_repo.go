package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Amr2/wanna-help/internal/domain"
)

// MessageRepository persiste mensajes ordenados por secuencia dentro de cada conversacion.
type MessageRepository interface {
	// Append inserta el mensaje si y solo si su secuencia es LastSequence+1.
	Append(ctx context.Context, message domain.Message) error
	ListSince(ctx context.Context, conversationID string, after int64, limit int) ([]domain.Message, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Append(ctx context.Context, message domain.Message) error {
	const bump = `
		UPDATE conversations
		SET last_sequence = $2
		WHERE id = $1 AND last_sequence = $2 - 1
	`
	const insert = `
		INSERT INTO messages (conversation_id, sequence, sender_id, kind, payload, attachment, client_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	attachment, err := marshalNullable(message.Attachment)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, bump, message.ConversationID, message.Sequence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, message.ConversationID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrSequenceConflict
	}

	_, err = tx.Exec(ctx, insert,
		message.ConversationID,
		message.Sequence,
		message.SenderID,
		string(message.Kind),
		nullableJSON(message.Payload),
		attachment,
		message.ClientMessageID,
		message.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrSequenceConflict
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PgMessageRepository) ListSince(ctx context.Context, conversationID string, after int64, limit int) ([]domain.Message, error) {
	const query = `
		SELECT conversation_id, sequence, sender_id, kind, payload, attachment, client_message_id, created_at
		FROM messages
		WHERE conversation_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, conversationID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			msg        domain.Message
			kind       string
			payload    []byte
			attachment []byte
		)
		if err := rows.Scan(
			&msg.ConversationID,
			&msg.Sequence,
			&msg.SenderID,
			&kind,
			&payload,
			&attachment,
			&msg.ClientMessageID,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msg.Kind = domain.MessageKind(kind)
		if len(payload) > 0 {
			msg.Payload = json.RawMessage(payload)
		}
		if len(attachment) > 0 {
			var att domain.Attachment
			if err := json.Unmarshal(attachment, &att); err != nil {
				return nil, fmt.Errorf("decode attachment: %w", err)
			}
			msg.Attachment = &att
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalNullable(v *domain.Attachment) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
