// Package outbox persists events next to the data that produced them so a
// broker outage never loses a handoff. A dispatcher drains the table and
// publishes in the background.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one stored, not-yet-published message.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   *int64
	RoutingKey    string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert stores an event for the dispatcher to publish.
func (r *Repository) Insert(ctx context.Context, aggregateType string, aggregateID int64, routingKey string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status)
        VALUES ($1, $2, $3, $4, 'pending')
    `, aggregateType, aggregateID, routingKey, b)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PendingEvents returns events due for publishing, oldest first.
func (r *Repository) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, aggregate_type, aggregate_id, routing_key, payload, status,
               retry_count, next_retry_at, created_at, updated_at
        FROM outbox_events
        WHERE status = 'pending'
          AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.RoutingKey, &e.Payload,
			&e.Status, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkAsSent finalizes a published event.
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'sent', updated_at = NOW()
        WHERE id = $1
    `, eventID)
	return err
}

// MarkAsFailed bumps the retry counter and schedules the next attempt, or
// parks the event as failed once maxRetries is reached.
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	var retryCount int
	err := r.db.QueryRow(ctx,
		`SELECT retry_count FROM outbox_events WHERE id = $1`, eventID,
	).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("get retry count: %w", err)
	}

	retryCount++
	status := "pending"
	var nextRetryAt *time.Time
	if retryCount >= maxRetries {
		status = "failed"
	} else {
		next := time.Now().Add(time.Duration(retryCount) * 5 * time.Second)
		nextRetryAt = &next
	}

	_, err = r.db.Exec(ctx, `
        UPDATE outbox_events
        SET status = $1, retry_count = $2, next_retry_at = $3, updated_at = NOW()
        WHERE id = $4
    `, status, retryCount, nextRetryAt, eventID)
	return err
}

// PurgeSent deletes sent events older than the cutoff.
func (r *Repository) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        DELETE FROM outbox_events
        WHERE status = 'sent' AND updated_at < $1
    `, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
