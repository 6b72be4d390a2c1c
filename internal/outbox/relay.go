// Package outbox publishes pending pipeline events to the event queue.
// Events are written by store.FinishJob in the same transaction as the
// terminal job-record update; the relay closes the remaining gap between
// the database and the broker by retrying publication until it sticks.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaladak/file-processing-app/internal/store"
)

// Event is the event-queue payload consumed by the notification stage.
type Event struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

type eventStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
}

type publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	EnsureTopology(ctx context.Context, queues ...string) error
}

// Relay polls the outbox and publishes pending events in order. A publish
// failure is logged and left pending; the next tick retries it. After a
// crash between the terminal write and publication, restart picks the event
// up here — nothing is silently lost.
type Relay struct {
	store    eventStore
	pub      publisher
	queue    string
	interval time.Duration
	batch    int
	declared bool
	log      *slog.Logger
}

// New creates a Relay publishing to queue.
func New(st eventStore, pub publisher, queue string, interval time.Duration, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		store:    st,
		pub:      pub,
		queue:    queue,
		interval: interval,
		batch:    batch,
		log:      slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("outbox relay started", "queue", r.queue, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("outbox sweep failed", "error", err)
			}
		}
	}
}

// RunOnce publishes one batch of pending events and returns how many were
// published. The first publish failure stops the sweep to preserve event
// order; already-published events keep their stamp.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	// Declare the event queue before the first publish. A publish to an
	// undeclared queue on the default exchange is unroutable and returns no
	// error, so skipping this would stamp events the broker dropped.
	if !r.declared {
		if err := r.pub.EnsureTopology(ctx, r.queue); err != nil {
			return 0, fmt.Errorf("declare event queue: %w", err)
		}
		r.declared = true
	}

	pending, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range pending {
		body, err := json.Marshal(Event{
			JobID:  ev.JobID,
			Status: string(ev.Status),
			Result: ev.Result,
		})
		if err != nil {
			return published, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := r.pub.Publish(ctx, r.queue, body); err != nil {
			return published, fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
		if err := r.store.MarkPublished(ctx, ev.ID); err != nil {
			// The event was published but not stamped; the next sweep will
			// publish it again. Consumers tolerate the duplicate.
			return published, err
		}
		published++
		r.log.Info("event published", "job_id", ev.JobID, "status", ev.Status)
	}
	return published, nil
}
