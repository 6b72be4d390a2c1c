package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chaladak/file-processing-app/internal/broker"
	"github.com/chaladak/file-processing-app/internal/store"
)

// Event is the event-queue payload: the terminal outcome of a job.
type Event struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// notificationStore is the slice of store.Store the consumer needs.
type notificationStore interface {
	InsertNotification(ctx context.Context, rec *store.NotificationRecord) error
}

// Config holds notification consumer settings (sourced from config.Config).
type Config struct {
	Queue string
	// StrictSink rejects the event (dead-letter) when the sink fails after
	// the record was persisted. Default false: persistence alone earns the
	// acknowledgment, matching a log-only sink that cannot meaningfully fail.
	StrictSink bool
}

// Consumer turns events into notification records and sink deliveries.
type Consumer struct {
	broker *broker.Manager
	store  notificationStore
	sink   Sink
	cfg    Config
	log    *slog.Logger
}

// New creates a Consumer delivering through sink.
func New(b *broker.Manager, st notificationStore, sink Sink, cfg Config) *Consumer {
	return &Consumer{
		broker: b,
		store:  st,
		sink:   sink,
		cfg:    cfg,
		log:    slog.Default(),
	}
}

// Run declares the queue topology and consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.broker.Channel(ctx)
	if err != nil {
		return err
	}
	if err := broker.DeclareTopology(ch, c.cfg.Queue); err != nil {
		_ = ch.Close()
		return err
	}
	_ = ch.Close()

	return c.broker.Consume(ctx, c.cfg.Queue, "notifier", func(ctx context.Context, d amqp.Delivery) broker.Outcome {
		return c.handle(ctx, d.Body)
	})
}

// handle persists one notification record and forwards to the sink.
// Acknowledge requires successful persistence; a persistence failure
// rejects the event into the DLQ. A redelivered event produces a second
// record (fresh id from job id + emission time) — the at-least-once cost
// accepted here, since the outbox relay is the only duplicate source left.
func (c *Consumer) handle(ctx context.Context, body []byte) broker.Outcome {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.log.Error("malformed event", "error", err)
		return broker.Reject
	}
	if ev.JobID == "" {
		c.log.Error("event missing job_id")
		return broker.Reject
	}

	log := c.log.With("job_id", ev.JobID, "status", ev.Status)
	log.Info("event received")

	now := time.Now()
	rec := &store.NotificationRecord{
		ID:      fmt.Sprintf("%s_%d", ev.JobID, now.UnixNano()),
		JobID:   ev.JobID,
		Status:  ev.Status,
		SentAt:  now,
		Details: string(ev.Result),
	}
	if err := c.store.InsertNotification(ctx, rec); err != nil {
		log.Error("persist notification failed", "error", err)
		return broker.Reject
	}

	if err := c.sink.Send(ctx, ev.JobID, ev.Status, ev.Result); err != nil {
		log.Error("sink delivery failed", "error", err)
		if c.cfg.StrictSink {
			return broker.Reject
		}
	}

	log.Info("notification recorded", "notification_id", rec.ID)
	return broker.Ack
}
