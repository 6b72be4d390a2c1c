// ABOUTME: Test helper that starts a RabbitMQ testcontainer.
// ABOUTME: Use NewTestBroker(t) in integration tests that need a real broker.
package testutil

import (
	"context"
	"testing"

	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

// NewTestBroker starts a RabbitMQ testcontainer and returns its AMQP URL.
// The container is cleaned up via t.Cleanup.
func NewTestBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcrabbitmq.Run(ctx, "rabbitmq:4-alpine")
	if err != nil {
		t.Fatalf("start rabbitmq container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate rabbitmq container: %v", err)
		}
	})

	url, err := ctr.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("amqp url: %v", err)
	}
	return url
}
