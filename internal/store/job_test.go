// ABOUTME: Integration tests for the job-record state machine and the
// ABOUTME: transactional FinishJob write. Uses testutil.NewTestDB.
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chaladak/file-processing-app/internal/store"
	"github.com/chaladak/file-processing-app/internal/testutil"
)

// seedJob inserts an 'uploaded' record the way the intake service would.
func seedJob(t *testing.T, s *store.Store, ctx context.Context, id string) *store.JobRecord {
	t.Helper()
	rec := &store.JobRecord{
		ID:             id,
		Filename:       id + ".bin",
		SourceLocation: "file-processing/" + id + ".bin",
		WorkLocation:   "/mnt/nfs/" + id + ".bin",
		UploadedAt:     time.Now(),
	}
	if err := s.InsertUploadedJob(ctx, rec); err != nil {
		t.Fatalf("InsertUploadedJob: %v", err)
	}
	return rec
}

func TestClaimJob_TransitionsToProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedJob(t, s, ctx, "job-claim")

	rec, err := s.ClaimJob(ctx, "job-claim")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if rec.Status != store.StatusProcessing {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusProcessing)
	}

	// Claiming again is allowed while non-terminal (redelivery before the
	// terminal write).
	rec2, err := s.ClaimJob(ctx, "job-claim")
	if err != nil {
		t.Fatalf("ClaimJob (second): %v", err)
	}
	if rec2.Status != store.StatusProcessing {
		t.Errorf("second claim status = %q, want %q", rec2.Status, store.StatusProcessing)
	}
}

func TestClaimJob_MissingRecord(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	rec, err := s.ClaimJob(ctx, "no-such-job")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for missing job, got %+v", rec)
	}
}

func TestClaimJob_TerminalRecordIsDuplicate(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedJob(t, s, ctx, "job-dup")
	if err := s.FinishJob(ctx, "job-dup", store.StatusProcessed, json.RawMessage(`{"success":true}`)); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	_, err := s.ClaimJob(ctx, "job-dup")
	if !errors.Is(err, store.ErrTerminal) {
		t.Fatalf("ClaimJob after terminal = %v, want ErrTerminal", err)
	}
}

func TestFinishJob_WritesStateAndOutboxAtomically(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedJob(t, s, ctx, "job-finish")
	result := json.RawMessage(`{"size_bytes":1024,"success":true}`)
	if err := s.FinishJob(ctx, "job-finish", store.StatusProcessed, result); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	rec, err := s.GetJob(ctx, "job-finish")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != store.StatusProcessed {
		t.Errorf("status = %q, want %q", rec.Status, store.StatusProcessed)
	}
	if rec.ProcessedAt == nil {
		t.Error("processed_at not set on terminal record")
	}
	if len(rec.Result) == 0 {
		t.Error("processing_result not set on terminal record")
	}

	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending outbox rows = %d, want 1", len(pending))
	}
	if pending[0].JobID != "job-finish" || pending[0].Status != store.StatusProcessed {
		t.Errorf("outbox event = %s/%s, want job-finish/processed", pending[0].JobID, pending[0].Status)
	}
}

func TestFinishJob_TerminalIsFinal(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedJob(t, s, ctx, "job-final")
	if err := s.FinishJob(ctx, "job-final", store.StatusError, json.RawMessage(`{"error":"boom"}`)); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}

	// A second terminal write must not overwrite the record or emit a
	// second event.
	err := s.FinishJob(ctx, "job-final", store.StatusProcessed, json.RawMessage(`{"success":true}`))
	if !errors.Is(err, store.ErrTerminal) {
		t.Fatalf("second FinishJob = %v, want ErrTerminal", err)
	}

	rec, err := s.GetJob(ctx, "job-final")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != store.StatusError {
		t.Errorf("status = %q, want %q (terminal state overwritten)", rec.Status, store.StatusError)
	}
	pending, err := s.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending outbox rows = %d, want 1", len(pending))
	}
}

func TestFinishJob_MissingRecordIsNotTerminal(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// No row at all is an error, but not the duplicate signal: callers skip
	// on ErrTerminal, and a vanished record must not be skipped silently.
	err := s.FinishJob(ctx, "job-ghost", store.StatusProcessed, json.RawMessage(`{"success":true}`))
	if err == nil {
		t.Fatal("FinishJob on missing record succeeded")
	}
	if errors.Is(err, store.ErrTerminal) {
		t.Fatalf("FinishJob = %v, want a non-ErrTerminal error", err)
	}
}

func TestFinishJob_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	seedJob(t, s, ctx, "job-nonterminal")
	if err := s.FinishJob(ctx, "job-nonterminal", store.StatusProcessing, nil); err == nil {
		t.Fatal("FinishJob with non-terminal status succeeded, want error")
	}
}

func TestGetJob_Missing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	rec, err := s.GetJob(ctx, "absent")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for missing record, got %+v", rec)
	}
}
