package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutboxMessage is one event waiting to be published to NATS. It is written
// in the same unit of work as the state change it describes.
type OutboxMessage struct {
	EventID   string
	Subject   string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// OutboxWriter reads and writes the outbox table.
type OutboxWriter struct {
	db *sql.DB
}

func NewOutboxWriter(db *sql.DB) *OutboxWriter {
	return &OutboxWriter{db: db}
}

// Enqueue stores msg inside the caller's unit of work. Re-enqueueing the same
// event id is a no-op.
func Enqueue(ctx context.Context, q Querier, subject, eventID string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox (event_id, subject, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, subject, data, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventID, err)
	}
	if uow, ok := q.(*UnitOfWork); ok {
		uow.markOutbox()
	}
	return nil
}

// FetchPending returns up to limit unpublished messages, oldest first.
// Event ids are ULIDs, so id order is creation order.
func (w *OutboxWriter) FetchPending(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_id, subject, payload, attempts, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY event_id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.EventID, &m.Subject, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountPending returns the number of unpublished messages.
func (w *OutboxWriter) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

// MarkPublished stamps a batch of messages with a multi-row UPDATE.
func (w *OutboxWriter) MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(eventIDs))
	args := make([]interface{}, 0, len(eventIDs)+1)
	args = append(args, at.UTC())
	for i, id := range eventIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, id)
	}

	query := `UPDATE outbox SET published_at = $1 WHERE event_id IN (` +
		strings.Join(placeholders, ", ") + `)`

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish attempt.
func (w *OutboxWriter) MarkFailed(ctx context.Context, eventID string, cause error) error {
	_, err := w.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $1
		WHERE event_id = $2`,
		cause.Error(), eventID,
	)
	return err
}
