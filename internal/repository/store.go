package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPgStore arma el Store sobre un pool de Postgres. Close cierra el pool.
func NewPgStore(pool *pgxpool.Pool) Store {
	return Store{
		Conversations: NewPgConversationRepository(pool),
		Messages:      NewPgMessageRepository(pool),
		Receipts:      NewPgReceiptRepository(pool),
		Notifications: NewPgNotificationRepository(pool),
		close: func() error {
			pool.Close()
			return nil
		},
	}
}
