// ABOUTME: Integration tests for notification records and the outbox queries.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container.
package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chaladak/file-processing-app/internal/store"
	"github.com/chaladak/file-processing-app/internal/testutil"
)

func TestInsertAndListNotifications(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, status := range []string{"processed", "processed", "error"} {
		rec := &store.NotificationRecord{
			ID:      fmt.Sprintf("job-%d_%d", i, base.UnixNano()+int64(i)),
			JobID:   fmt.Sprintf("job-%d", i),
			Status:  status,
			SentAt:  base.Add(time.Duration(i) * time.Second),
			Details: `{"size_bytes":1024}`,
		}
		if err := s.InsertNotification(ctx, rec); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
	}

	all, err := s.ListNotifications(ctx, store.NotificationFilter{})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d notifications, want 3", len(all))
	}
	// Newest first.
	if all[0].JobID != "job-2" {
		t.Errorf("first notification = %s, want job-2", all[0].JobID)
	}

	errOnly, err := s.ListNotifications(ctx, store.NotificationFilter{Status: "error"})
	if err != nil {
		t.Fatalf("ListNotifications(status=error): %v", err)
	}
	if len(errOnly) != 1 || errOnly[0].JobID != "job-2" {
		t.Errorf("status filter returned %+v, want one job-2 row", errOnly)
	}

	byJob, err := s.ListNotifications(ctx, store.NotificationFilter{JobID: "job-0"})
	if err != nil {
		t.Fatalf("ListNotifications(job_id): %v", err)
	}
	if len(byJob) != 1 || byJob[0].Status != "processed" {
		t.Errorf("job filter returned %+v, want one processed row", byJob)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-ob-%d", i)
		rec := &store.JobRecord{
			ID:           id,
			Filename:     id + ".bin",
			WorkLocation: "/mnt/nfs/" + id,
			UploadedAt:   time.Now(),
		}
		if err := s.InsertUploadedJob(ctx, rec); err != nil {
			t.Fatalf("InsertUploadedJob: %v", err)
		}
		if err := s.FinishJob(ctx, id, store.StatusProcessed, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("FinishJob: %v", err)
		}
	}

	n, err := s.UnpublishedCount(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("unpublished = %d, want 3", n)
	}

	pending, err := s.PendingOutbox(ctx, 2)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending batch = %d, want 2 (limit)", len(pending))
	}

	if err := s.MarkPublished(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	n, err = s.UnpublishedCount(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCount: %v", err)
	}
	if n != 2 {
		t.Errorf("unpublished after mark = %d, want 2", n)
	}
}
