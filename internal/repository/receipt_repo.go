package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Amr2/wanna-help/internal/domain"
)

// ReceiptRepository guarda las marcas de agua de entrega/lectura por destinatario.
type ReceiptRepository interface {
	Get(ctx context.Context, conversationID, recipient string) (domain.ReceiptCursor, error)
	// Advance sube la marca de agua de forma monotona y devuelve el cursor antes y despues.
	Advance(ctx context.Context, conversationID, recipient string, state domain.DeliveryState, through int64) (domain.ReceiptCursor, domain.ReceiptCursor, error)
}

type PgReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewPgReceiptRepository(pool *pgxpool.Pool) *PgReceiptRepository {
	return &PgReceiptRepository{pool: pool}
}

func (r *PgReceiptRepository) Get(ctx context.Context, conversationID, recipient string) (domain.ReceiptCursor, error) {
	const query = `
		SELECT delivered_through, read_through
		FROM receipt_cursors
		WHERE conversation_id = $1 AND recipient = $2
	`
	cursor := domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}
	err := r.pool.QueryRow(ctx, query, conversationID, recipient).Scan(&cursor.DeliveredThrough, &cursor.ReadThrough)
	if errors.Is(err, pgx.ErrNoRows) {
		return cursor, nil
	}
	return cursor, err
}

func (r *PgReceiptRepository) Advance(ctx context.Context, conversationID, recipient string, state domain.DeliveryState, through int64) (domain.ReceiptCursor, domain.ReceiptCursor, error) {
	const ensure = `
		INSERT INTO receipt_cursors (conversation_id, recipient, delivered_through, read_through)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (conversation_id, recipient) DO NOTHING
	`
	const lock = `
		SELECT delivered_through, read_through
		FROM receipt_cursors
		WHERE conversation_id = $1 AND recipient = $2
		FOR UPDATE
	`
	const update = `
		UPDATE receipt_cursors
		SET delivered_through = $3, read_through = $4
		WHERE conversation_id = $1 AND recipient = $2
	`
	before := domain.ReceiptCursor{ConversationID: conversationID, Recipient: recipient}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return before, before, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, ensure, conversationID, recipient); err != nil {
		return before, before, err
	}
	if err := tx.QueryRow(ctx, lock, conversationID, recipient).Scan(&before.DeliveredThrough, &before.ReadThrough); err != nil {
		return before, before, err
	}
	after := advanceCursor(before, state, through)
	if after == before {
		return before, after, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, update, conversationID, recipient, after.DeliveredThrough, after.ReadThrough); err != nil {
		return before, before, err
	}
	return before, after, tx.Commit(ctx)
}

// advanceCursor aplica la regla comun a todos los backends: read implica delivered.
func advanceCursor(c domain.ReceiptCursor, state domain.DeliveryState, through int64) domain.ReceiptCursor {
	if through > c.DeliveredThrough {
		c.DeliveredThrough = through
	}
	if state == domain.DeliveryRead && through > c.ReadThrough {
		c.ReadThrough = through
	}
	return c
}
