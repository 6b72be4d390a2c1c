package processor

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Result is the structured payload a processing step produces for a job.
// The pipeline does not depend on its contents beyond carrying it into the
// job record and the completion event.
type Result struct {
	SizeBytes          int64  `json:"size_bytes"`
	ProcessedTimestamp string `json:"processed_timestamp"`
	Success            bool   `json:"success"`
}

// Step is the pluggable processing stage. Implementations receive the
// filesystem path of the work copy and return a result payload or an error;
// an error drives the job record to the terminal 'error' state.
type Step interface {
	Run(ctx context.Context, workPath string) (*Result, error)
}

// SimulatedStep stands in for real transformation logic: it waits Delay,
// then reports the file size and a success flag.
type SimulatedStep struct {
	Delay time.Duration
}

// Run implements Step.
func (s SimulatedStep) Run(ctx context.Context, workPath string) (*Result, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	info, err := os.Stat(workPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", workPath, err)
	}

	return &Result{
		SizeBytes:          info.Size(),
		ProcessedTimestamp: time.Now().Format(time.RFC3339Nano),
		Success:            true,
	}, nil
}
