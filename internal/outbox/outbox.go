// Package outbox queues accounting events in the same transaction as the
// state change that produced them and relays them to Kafka afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/db"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"-"`
	Attempts      int             `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Enqueue records an event in tx. It becomes visible to the relay only when
// tx commits.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, eventType, aggregateType, aggregateID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", eventType, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), eventType, aggregateType, aggregateID, raw)
	return err
}

const eventColumns = "id, event_type, aggregate_type, aggregate_id, payload, status, attempts, created_at"

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e      Event
		status string
	)
	err := row.Scan(&e.ID, &e.Type, &e.AggregateType, &e.AggregateID, &e.Payload, &status, &e.Attempts, &e.CreatedAt)
	e.Status = Status(status)
	return e, err
}

// Claim marks up to limit pending events, plus sending events whose claim
// is older than lease, as SENDING and returns them oldest first.
func (s *Store) Claim(ctx context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		WITH batch AS (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING' OR (status = 'SENDING' AND claimed_at < now() - make_interval(secs => $2))
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'SENDING', attempts = o.attempts + 1, claimed_at = now()
		FROM batch
		WHERE o.id = batch.id
		RETURNING o.id, o.event_type, o.aggregate_type, o.aggregate_id, o.payload, o.status, o.attempts, o.created_at
	`, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}

func (s *Store) MarkPublished(ctx context.Context, tx pgx.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, "UPDATE outbox_events SET status = 'PUBLISHED', published_at = now(), last_error = '' WHERE id = ANY($1::uuid[])", ids)
	return err
}

// MarkFailed returns an event to the queue, or parks it as FAILED once it
// has used maxAttempts.
func (s *Store) MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause error, maxAttempts int) (Status, error) {
	var status string
	err := tx.QueryRow(ctx, `
		UPDATE outbox_events
		SET status = CASE WHEN attempts >= $3 THEN 'FAILED' ELSE 'PENDING' END,
		    last_error = $2,
		    claimed_at = NULL
		WHERE id = $1
		RETURNING status
	`, id, cause.Error(), maxAttempts).Scan(&status)
	return Status(status), err
}

// Get is used by operators and tests to inspect a single event.
func (s *Store) Get(ctx context.Context, tx pgx.Tx, id string) (Event, error) {
	e, err := scanEvent(tx.QueryRow(ctx, "SELECT "+eventColumns+" FROM outbox_events WHERE id = $1", id))
	return e, db.NotFound(err, "outbox event %s not found", id)
}

// Requeue moves FAILED events back to PENDING with a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, tx pgx.Tx) (int64, error) {
	tag, err := tx.Exec(ctx, "UPDATE outbox_events SET status = 'PENDING', attempts = 0, claimed_at = NULL WHERE status = 'FAILED'")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
