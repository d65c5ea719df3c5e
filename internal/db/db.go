package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Amr2/wanna-help/internal/config"
)

// schema es idempotente; se aplica en cada arranque.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	participants  TEXT[] NOT NULL,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversations_participants_idx ON conversations USING GIN (participants);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id   TEXT NOT NULL REFERENCES conversations (id),
	sequence          BIGINT NOT NULL,
	sender_id         TEXT NOT NULL,
	kind              TEXT NOT NULL,
	payload           JSONB,
	attachment        JSONB,
	client_message_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (conversation_id, sequence)
);

CREATE TABLE IF NOT EXISTS receipt_cursors (
	conversation_id   TEXT NOT NULL,
	recipient         TEXT NOT NULL,
	delivered_through BIGINT NOT NULL DEFAULT 0,
	read_through      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, recipient),
	CHECK (read_through <= delivered_through)
);

CREATE TABLE IF NOT EXISTS notifications (
	id              TEXT PRIMARY KEY,
	recipient       TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	topic           TEXT NOT NULL,
	payload         JSONB,
	state           TEXT NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL,
	surfaced_at     TIMESTAMPTZ,
	acknowledged_at TIMESTAMPTZ,
	UNIQUE (event_id, recipient)
);
CREATE INDEX IF NOT EXISTS notifications_recipient_idx ON notifications (recipient, created_at);
`

// NewPool construye y devuelve un pool de conexiones configurado.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = 20
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Migrate crea las tablas si no existen.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifica conectividad con la base de datos.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}
