// Package notify consumes pipeline events and turns them into persisted
// notification records plus a delivery through a pluggable sink.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Sink delivers a notification to the outside world. Implementations must
// return an error on delivery failure; whether that failure blocks the
// event acknowledgment is the consumer's configured policy, not the sink's.
type Sink interface {
	Send(ctx context.Context, jobID, status string, result json.RawMessage) error
}

// LogSink writes notifications to the process log and always succeeds.
// It is the default sink; real channels (email, SMS, webhook) plug in
// behind the same interface.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(ctx context.Context, jobID, status string, result json.RawMessage) error {
	slog.InfoContext(ctx, "notification",
		"job_id", jobID,
		"status", status,
		"result", string(result),
	)
	return nil
}
