package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the handler's decision for one delivery. Handlers return a
// value instead of acking themselves so the acknowledge/reject contract
// lives in one place.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Reject drops the message without requeue; the queue's dead-letter
	// routing preserves it in the DLQ.
	Reject
	// Requeue returns the message to the queue for redelivery.
	Requeue
)

// HandlerFunc processes one delivery and reports what to do with it.
type HandlerFunc func(ctx context.Context, d amqp.Delivery) Outcome

// Consume runs a single synchronous receive loop on queue until ctx is
// cancelled: block on the next delivery, process it fully, acknowledge per
// the handler's outcome, then request the next. Prefetch 1 means at most one
// unacknowledged message is outstanding. If the delivery stream closes
// underneath the loop (dropped connection), a fresh channel is acquired
// through the manager and consumption resumes; unacknowledged messages are
// redelivered by the broker.
func (m *Manager) Consume(ctx context.Context, queue, tag string, fn HandlerFunc) error {
	for {
		ch, err := m.Channel(ctx)
		if err != nil {
			return err
		}

		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		slog.Info("consuming", "queue", queue, "consumer_tag", tag)

		if stopped := m.drain(ctx, queue, deliveries, fn); stopped {
			_ = ch.Close()
			slog.Info("consumer stopped", "queue", queue)
			return nil
		}

		_ = ch.Close()
		slog.Warn("delivery stream closed, reconnecting", "queue", queue)
	}
}

// drain processes deliveries until ctx is cancelled (returns true) or the
// stream closes (returns false).
func (m *Manager) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, fn HandlerFunc) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			// In-flight work runs to completion during shutdown: the message
			// was already fetched, and abandoning it mid-handle would record
			// a spurious error state before the broker redelivers it.
			m.settle(context.WithoutCancel(ctx), queue, d, fn)
		}
	}
}

// settle invokes fn and applies its outcome to the delivery.
func (m *Manager) settle(ctx context.Context, queue string, d amqp.Delivery, fn HandlerFunc) {
	var err error
	switch out := fn(ctx, d); out {
	case Ack:
		err = d.Ack(false)
	case Reject:
		err = d.Nack(false, false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		slog.Error("unknown handler outcome, rejecting",
			"queue", queue, "outcome", int(out))
		err = d.Nack(false, false)
	}
	if err != nil {
		// The broker will redeliver the unsettled message once it detects
		// the dead channel; at-least-once consumers absorb the duplicate.
		slog.Error("settle delivery failed", "queue", queue, "error", err)
	}
}
