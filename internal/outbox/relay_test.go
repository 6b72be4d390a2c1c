package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chaladak/file-processing-app/internal/store"
)

type fakeEventStore struct {
	pending []store.OutboxEvent
	marked  []uuid.UUID
}

func (f *fakeEventStore) PendingOutbox(_ context.Context, limit int) ([]store.OutboxEvent, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeEventStore) MarkPublished(_ context.Context, id uuid.UUID) error {
	f.marked = append(f.marked, id)
	for i, ev := range f.pending {
		if ev.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

type fakePublisher struct {
	published  [][]byte
	failAfter  int // fail every publish once this many have succeeded
	err        error
	declared   []string
	declareErr error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, body []byte) error {
	if f.err != nil && len(f.published) >= f.failAfter {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

func (f *fakePublisher) EnsureTopology(_ context.Context, queues ...string) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, queues...)
	return nil
}

func pendingEvent(jobID string, status store.Status) store.OutboxEvent {
	return store.OutboxEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Status:    status,
		Result:    json.RawMessage(`{"success":true}`),
		CreatedAt: time.Now(),
	}
}

func TestRunOnce_PublishesAndMarks(t *testing.T) {
	st := &fakeEventStore{pending: []store.OutboxEvent{
		pendingEvent("job-1", store.StatusProcessed),
		pendingEvent("job-2", store.StatusError),
	}}
	pub := &fakePublisher{}

	r := New(st, pub, "notifications", time.Second, 100)
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
	if len(st.pending) != 0 {
		t.Errorf("pending after sweep = %d, want 0", len(st.pending))
	}

	var ev Event
	if err := json.Unmarshal(pub.published[0], &ev); err != nil {
		t.Fatalf("unmarshal published event: %v", err)
	}
	if ev.JobID != "job-1" || ev.Status != "processed" {
		t.Errorf("event = %s/%s, want job-1/processed", ev.JobID, ev.Status)
	}
}

func TestRunOnce_PublishFailureLeavesEventPending(t *testing.T) {
	st := &fakeEventStore{pending: []store.OutboxEvent{
		pendingEvent("job-1", store.StatusProcessed),
		pendingEvent("job-2", store.StatusProcessed),
	}}
	pub := &fakePublisher{failAfter: 1, err: errors.New("broker unreachable")}

	r := New(st, pub, "notifications", time.Second, 100)
	n, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if n != 1 {
		t.Fatalf("published = %d, want 1", n)
	}
	// The failed event stays pending: nothing is silently lost, and the next
	// sweep retries it.
	if len(st.pending) != 1 || st.pending[0].JobID != "job-2" {
		t.Errorf("pending after failure = %+v, want job-2 only", st.pending)
	}
}

func TestRunOnce_DeclaresQueueBeforePublishing(t *testing.T) {
	st := &fakeEventStore{pending: []store.OutboxEvent{
		pendingEvent("job-1", store.StatusProcessed),
	}}
	pub := &fakePublisher{}

	r := New(st, pub, "notifications", time.Second, 100)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(pub.declared) != 1 || pub.declared[0] != "notifications" {
		t.Fatalf("declared = %v, want [notifications]", pub.declared)
	}

	// Declaration is once per relay, not once per sweep.
	st.pending = []store.OutboxEvent{pendingEvent("job-2", store.StatusError)}
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(pub.declared) != 1 {
		t.Errorf("declared %d times after two sweeps, want 1", len(pub.declared))
	}
}

func TestRunOnce_DeclareFailureKeepsEventsPending(t *testing.T) {
	st := &fakeEventStore{pending: []store.OutboxEvent{
		pendingEvent("job-1", store.StatusProcessed),
	}}
	pub := &fakePublisher{declareErr: errors.New("channel closed")}

	r := New(st, pub, "notifications", time.Second, 100)
	n, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected declare error")
	}
	if n != 0 || len(pub.published) != 0 {
		t.Fatalf("published = %d/%d bodies, want none", n, len(pub.published))
	}
	// Without the queue the broker would drop the publish without an error;
	// the event must keep its pending stamp so a later sweep delivers it.
	if len(st.pending) != 1 || len(st.marked) != 0 {
		t.Errorf("pending = %d, marked = %d; want 1 pending, 0 marked", len(st.pending), len(st.marked))
	}
}

func TestRunOnce_NothingPending(t *testing.T) {
	r := New(&fakeEventStore{}, &fakePublisher{}, "notifications", time.Second, 100)
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("published = %d, want 0", n)
	}
}
