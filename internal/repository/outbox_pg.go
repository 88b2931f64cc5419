package repository

import (
	"context"
	"database/sql"
)

func (t *pgTx) AppendOutbox(ctx context.Context, event *OutboxEvent) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.Status,
		event.CreatedAt,
	).Scan(&event.ID)
	return wrapDBError("append outbox event", err)
}

// PostgresOutbox implements OutboxRepository for the drain worker.
type PostgresOutbox struct {
	db *sql.DB
}

// NewPostgresOutbox creates a PostgresOutbox.
func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (r *PostgresOutbox) FindPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, OutboxStatusPending, limit)
	if err != nil {
		return nil, wrapDBError("find pending outbox events", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		err := rows.Scan(
			&event.ID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&event.Status,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, wrapDBError("scan outbox event", err)
		}
		events = append(events, event)
	}
	return events, wrapDBError("find pending outbox events", rows.Err())
}

func (r *PostgresOutbox) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, sent_at = NOW()
		WHERE id = $2
	`, OutboxStatusSent, id)
	return wrapDBError("mark outbox event sent", err)
}
