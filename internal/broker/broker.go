// Package broker owns the RabbitMQ connection lifecycle: bounded-retry dial,
// channel acquisition with prefetch 1, idempotent queue topology, and
// transparent re-dial when a dropped connection is detected on reuse.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Manager owns one broker connection, shared by all consumers and publishers
// in the process. It is safe for concurrent use.
type Manager struct {
	url         string
	maxAttempts int
	backoff     time.Duration

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker at url, retrying up to maxAttempts times with
// a fixed backoff between attempts. Exhaustion returns an error; the process
// must not run without a broker.
func Dial(ctx context.Context, url string, maxAttempts int, backoff time.Duration) (*Manager, error) {
	m := &Manager{url: url, maxAttempts: maxAttempts, backoff: backoff}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.redial(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// redial dials with the bounded retry policy. Caller must hold m.mu.
func (m *Manager) redial(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		conn, err := amqp.Dial(m.url)
		if err == nil {
			m.conn = conn
			slog.Info("broker connected", "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("broker not ready, retrying",
			"attempt", attempt,
			"max_attempts", m.maxAttempts,
			"error", err,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(m.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("broker unavailable after %d attempts: %w", m.maxAttempts, lastErr)
}

// Channel returns a channel with prefetch 1 applied. A closed or broken
// connection is detected and re-established first, so callers never receive
// a handle backed by a dead connection.
func (m *Manager) Channel(ctx context.Context) (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		slog.Info("broker connection lost, re-establishing")
		if err := m.redial(ctx); err != nil {
			return nil, err
		}
	}

	ch, err := m.conn.Channel()
	if err != nil {
		// The connection can die between the IsClosed check and the channel
		// open; one re-dial covers that window.
		if err := m.redial(ctx); err != nil {
			return nil, err
		}
		if ch, err = m.conn.Channel(); err != nil {
			return nil, fmt.Errorf("open channel: %w", err)
		}
	}

	// Prefetch 1: a consumer never holds more than one unacknowledged
	// message, which gives strict per-instance sequencing and backpressure.
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return ch, nil
}

// Ping verifies the connection by opening and closing a throwaway channel.
func (m *Manager) Ping(ctx context.Context) error {
	ch, err := m.Channel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Close closes the broker connection. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.conn.IsClosed() {
		return nil
	}
	return m.conn.Close()
}

// Publish sends body to the named queue on the default exchange with
// persistent delivery mode. The channel is acquired through Channel, so a
// dropped connection heals before the publish is attempted.
func (m *Manager) Publish(ctx context.Context, queue string, body []byte) error {
	ch, err := m.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// EnsureTopology declares the named queues (and their dead-letter queues)
// on a short-lived channel. Publishers call this before their first publish:
// the default exchange drops messages for queues that do not exist yet.
func (m *Manager) EnsureTopology(ctx context.Context, queues ...string) error {
	ch, err := m.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck
	return DeclareTopology(ch, queues...)
}

// DeclareTopology declares the work and event queues plus their dead-letter
// queues. Declarations are idempotent (declare-if-absent); every consumer
// and the relay call this on startup so ordering does not matter.
func DeclareTopology(ch *amqp.Channel, queues ...string) error {
	for _, q := range queues {
		dlq := q + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		// Rejected messages route to the DLQ via the default exchange
		// instead of being discarded.
		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}
