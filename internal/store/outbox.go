package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is a pending or published pipeline event. Rows are inserted in
// the same transaction as the terminal job-record write (see FinishJob); the
// relay publishes them to the event queue and stamps published_at.
type OutboxEvent struct {
	ID          uuid.UUID
	JobID       string
	Status      Status
	Result      json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// PendingOutbox returns up to limit unpublished events, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, status, result, created_at, published_at
		   FROM event_outbox
		  WHERE published_at IS NULL
		  ORDER BY created_at
		  LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Status, &ev.Result, &ev.CreatedAt, &ev.PublishedAt); err != nil {
			return nil, fmt.Errorf("pending outbox: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	return out, nil
}

// MarkPublished stamps the event as published. Publishing and stamping are
// not atomic, so a crash between them redelivers the event on the next relay
// tick — consumers must tolerate the duplicate.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE event_outbox SET published_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark published %s: %w", id, err)
	}
	return nil
}

// UnpublishedCount reports how many events are waiting to be published. A
// non-zero count after a crash is the observable form of the state/publish
// gap; the reconcile subcommand surfaces it.
func (s *Store) UnpublishedCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM event_outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unpublished count: %w", err)
	}
	return n, nil
}
