package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/Amr2/wanna-help/internal/domain"
)

// NotificationRepository persiste NotificationRecord con unicidad por (event_id, recipient).
type NotificationRepository interface {
	// Create devuelve false sin error cuando el par (event_id, recipient) ya existe.
	Create(ctx context.Context, record domain.NotificationRecord) (bool, error)
	GetByID(ctx context.Context, id string) (domain.NotificationRecord, error)
	ListByRecipient(ctx context.Context, recipient string, states []domain.NotificationState, limit int) ([]domain.NotificationRecord, error)
	// UpdateState es un compare-and-set sobre el estado actual.
	UpdateState(ctx context.Context, id string, from, to domain.NotificationState, at time.Time) (bool, error)
	CountUnread(ctx context.Context, recipient string) (int, error)
}

type PgNotificationRepository struct {
	pool *pgxpool.Pool
}

func NewPgNotificationRepository(pool *pgxpool.Pool) *PgNotificationRepository {
	return &PgNotificationRepository{pool: pool}
}

const notificationColumns = `id, recipient, event_id, topic, payload, state, is_read, created_at, surfaced_at, acknowledged_at`

func (r *PgNotificationRepository) Create(ctx context.Context, record domain.NotificationRecord) (bool, error) {
	const query = `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id, recipient) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		record.ID,
		record.Recipient,
		record.EventID,
		record.Topic,
		nullableJSON(record.Payload),
		string(record.State),
		record.Read,
		record.CreatedAt,
		record.SurfacedAt,
		record.AcknowledgedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgNotificationRepository) GetByID(ctx context.Context, id string) (domain.NotificationRecord, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	record, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotificationRecord{}, ErrNotFound
	}
	return record, err
}

func (r *PgNotificationRepository) ListByRecipient(ctx context.Context, recipient string, states []domain.NotificationState, limit int) ([]domain.NotificationRecord, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient = $1 AND (cardinality($2::text[]) = 0 OR state = ANY($2::text[]))
		ORDER BY created_at ASC
		LIMIT $3
	`
	stateNames := lo.Map(states, func(s domain.NotificationState, _ int) string { return string(s) })
	rows, err := r.pool.Query(ctx, query, recipient, stateNames, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.NotificationRecord
	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *PgNotificationRepository) UpdateState(ctx context.Context, id string, from, to domain.NotificationState, at time.Time) (bool, error) {
	const query = `
		UPDATE notifications
		SET state = $3,
			is_read = is_read OR $3 = 'acknowledged',
			surfaced_at = CASE WHEN $3 = 'surfaced' THEN $4 ELSE surfaced_at END,
			acknowledged_at = CASE WHEN $3 = 'acknowledged' THEN $4 ELSE acknowledged_at END
		WHERE id = $1 AND state = $2
	`
	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgNotificationRepository) CountUnread(ctx context.Context, recipient string) (int, error) {
	const query = `SELECT count(*) FROM notifications WHERE recipient = $1 AND NOT is_read`
	var n int
	err := r.pool.QueryRow(ctx, query, recipient).Scan(&n)
	return n, err
}

func scanNotification(row pgx.Row) (domain.NotificationRecord, error) {
	var (
		record  domain.NotificationRecord
		payload []byte
		state   string
	)
	err := row.Scan(
		&record.ID,
		&record.Recipient,
		&record.EventID,
		&record.Topic,
		&payload,
		&state,
		&record.Read,
		&record.CreatedAt,
		&record.SurfacedAt,
		&record.AcknowledgedAt,
	)
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	record.State = domain.NotificationState(state)
	if len(payload) > 0 {
		record.Payload = payload
	}
	return record, nil
}

// applyNotificationState replica en memoria lo que hace el UPDATE de Postgres.
func applyNotificationState(record domain.NotificationRecord, to domain.NotificationState, at time.Time) domain.NotificationRecord {
	record.State = to
	switch to {
	case domain.NotificationSurfaced:
		record.SurfacedAt = &at
	case domain.NotificationAcknowledged:
		record.AcknowledgedAt = &at
		record.Read = true
	}
	return record
}
