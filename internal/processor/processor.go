// Package processor consumes job messages from the work queue, runs the
// processing step, and drives each job record to a terminal state. The
// terminal write and the completion event are one transaction (event
// outbox); the relay publishes the event afterwards.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chaladak/file-processing-app/internal/broker"
	"github.com/chaladak/file-processing-app/internal/store"
)

// JobMessage is the work-queue payload. Field names follow the wire format
// the upload-intake service publishes.
type JobMessage struct {
	JobID        string `json:"job_id"`
	WorkLocation string `json:"nfs_path"`
}

// jobStore is the slice of store.Store the processor needs.
type jobStore interface {
	ClaimJob(ctx context.Context, id string) (*store.JobRecord, error)
	FinishJob(ctx context.Context, id string, status store.Status, result json.RawMessage) error
}

// SourceChecker reports whether the durable object-store copy of a file
// exists. A nil checker disables the check.
type SourceChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Config holds processor tuning parameters (sourced from config.Config).
type Config struct {
	Queue           string
	PersistAttempts int
	PersistBackoff  time.Duration
}

// Consumer is one competing consumer on the work queue. Horizontal scale-out
// is achieved by running more instances; prefetch 1 keeps each instance at
// one in-flight job.
type Consumer struct {
	broker *broker.Manager
	jobs   jobStore
	step   Step
	source SourceChecker
	cfg    Config
	log    *slog.Logger
}

// New creates a Consumer. source may be nil to skip object-store checks.
func New(b *broker.Manager, jobs jobStore, step Step, source SourceChecker, cfg Config) *Consumer {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}
	return &Consumer{
		broker: b,
		jobs:   jobs,
		step:   step,
		source: source,
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

	return c.broker.Consume(ctx, c.cfg.Queue, "processor", func(ctx context.Context, d amqp.Delivery) broker.Outcome {
		return c.handle(ctx, d.Body)
	})
}

// handle processes one job message body and returns the delivery outcome.
//
// The sequencing contract: the job record reaches a terminal state before
// the message is settled, and the completion event is written in the same
// transaction as the terminal state. Acknowledge only follows a successful
// terminal write; every failure to get there rejects without requeue so the
// raw message lands in the dead-letter queue instead of vanishing.
func (c *Consumer) handle(ctx context.Context, body []byte) broker.Outcome {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.Error("malformed job message", "error", err)
		return broker.Reject
	}
	if msg.JobID == "" || msg.WorkLocation == "" {
		c.log.Error("job message missing fields", "job_id", msg.JobID)
		return broker.Reject
	}

	log := c.log.With("job_id", msg.JobID)
	log.Info("job received", "work_location", msg.WorkLocation)

	rec, err := c.claim(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// Redelivery against a finished job is a duplicate: acknowledge
			// and skip rather than reprocess.
			log.Info("job already terminal, skipping duplicate delivery")
			return broker.Ack
		}
		log.Error("claim job failed", "error", err)
		return broker.Reject
	}
	if rec == nil {
		log.Error("no job record for message, dead-lettering")
		return broker.Reject
	}

	if err := c.checkInputs(ctx, rec, msg.WorkLocation); err != nil {
		return c.fail(ctx, log, msg.JobID, err)
	}

	result, err := c.step.Run(ctx, msg.WorkLocation)
	if err != nil {
		return c.fail(ctx, log, msg.JobID, fmt.Errorf("processing step: %w", err))
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return c.fail(ctx, log, msg.JobID, fmt.Errorf("encode result: %w", err))
	}

	if err := c.persist(ctx, func() error {
		return c.jobs.FinishJob(ctx, msg.JobID, store.StatusProcessed, payload)
	}); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			log.Info("job finished by another consumer, skipping")
			return broker.Ack
		}
		// Terminal write never landed: no state change, no event. Reject to
		// the DLQ so the message is preserved for operators.
		log.Error("persist processed state failed", "error", err)
		return broker.Reject
	}

	log.Info("job processed", "size_bytes", result.SizeBytes)
	return broker.Ack
}

// checkInputs validates that the work copy and (when a checker is wired)
// the durable object-store copy exist. A missing input is a processing
// failure, never a silent skip — the record must reach a terminal state.
func (c *Consumer) checkInputs(ctx context.Context, rec *store.JobRecord, workPath string) error {
	if _, err := os.Stat(workPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("work file not found: %s", workPath)
		}
		return fmt.Errorf("stat work file %s: %w", workPath, err)
	}

	if c.source == nil || rec.SourceLocation == "" {
		return nil
	}
	ok, err := c.source.Exists(ctx, rec.SourceLocation)
	if err != nil {
		return fmt.Errorf("object store check %s: %w", rec.SourceLocation, err)
	}
	if !ok {
		return fmt.Errorf("source object not found: %s", rec.SourceLocation)
	}
	return nil
}

// fail records the terminal error state (with its event, transactionally)
// and rejects the message so the raw payload is preserved in the DLQ.
func (c *Consumer) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) broker.Outcome {
	log.Error("job failed", "error", cause)

	payload, _ := json.Marshal(map[string]string{"error": cause.Error()}) //nolint:errcheck // map[string]string cannot fail to marshal

	if err := c.persist(ctx, func() error {
		return c.jobs.FinishJob(ctx, jobID, store.StatusError, payload)
	}); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// A competing consumer finished the job first; its terminal
			// state and event stand. Treat this like any other duplicate.
			log.Info("job finished by another consumer, skipping")
			return broker.Ack
		}
		// Even the error write failed: the record may still read 'processing'
		// with no event. The DLQ'd message is the only remaining trace.
		log.Error("persist error state failed", "error", err)
	}
	return broker.Reject
}

// claim wraps ClaimJob in the bounded persistence retry.
func (c *Consumer) claim(ctx context.Context, id string) (*store.JobRecord, error) {
	var rec *store.JobRecord
	err := c.persist(ctx, func() error {
		var err error
		rec, err = c.jobs.ClaimJob(ctx, id)
		return err
	})
	return rec, err
}

// persist retries fn with exponential backoff up to PersistAttempts.
// ErrTerminal is returned immediately: it is a policy signal, not a fault.
func (c *Consumer) persist(ctx context.Context, fn func() error) error {
	var err error
	backoff := c.cfg.PersistBackoff
	for attempt := 1; attempt <= c.cfg.PersistAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, store.ErrTerminal) {
			return err
		}
		if attempt == c.cfg.PersistAttempts {
			break
		}
		c.log.Warn("persistence call failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}
