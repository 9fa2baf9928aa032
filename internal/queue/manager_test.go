package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/job"
	"github.com/visionmall/image-index-queue/internal/store"
)

func setup(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log, _ := zap.NewDevelopment()
	return mr, New(store.New(rdb), log, "imgindex", 24*time.Hour)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	j := job.New("p1", "/staging/x.jpg", "Shoe", "", nil)
	if !m.Enqueue(ctx, j) {
		t.Fatal("enqueue failed")
	}
	got, err := m.Dequeue(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != j.ID || got.ProductID != "p1" {
		t.Fatalf("unexpected job: %#v", got)
	}
	if got.Status != job.StatusProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
	// record reflects the transition
	rec, err := m.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusProcessing {
		t.Fatalf("record status %s", rec.Status)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	_, m := setup(t)
	got, err := m.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %#v", got)
	}
}

func TestDequeueDropsMissingRecord(t *testing.T) {
	mr, m := setup(t)
	ctx := context.Background()
	j := job.New("p1", "/staging/x.jpg", "", "", nil)
	if !m.Enqueue(ctx, j) {
		t.Fatal("enqueue failed")
	}
	mr.Del(m.keys.Job(j.ID))
	got, err := m.Dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected silent drop, got %#v", got)
	}
}

func TestDuplicateEnqueueSecondDequeueSkips(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	j := job.New("p1", "/staging/x.jpg", "", "", nil)
	if !m.Enqueue(ctx, j) {
		t.Fatal("enqueue failed")
	}
	// duplicate list entry for the same id
	if !m.Enqueue(ctx, j) {
		t.Fatal("duplicate enqueue failed")
	}
	first, err := m.Dequeue(ctx, 100*time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("first dequeue: %v %v", first, err)
	}
	second, err := m.Dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second dequeue should skip non-queued record, got %#v", second)
	}
}

func TestUpdateStatus(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	j := job.New("p1", "/staging/x.jpg", "", "", nil)
	m.Enqueue(ctx, j)
	if !m.UpdateStatus(ctx, j.ID, job.StatusProcessing, "") {
		t.Fatal("update failed")
	}
	if !m.UpdateStatus(ctx, j.ID, job.StatusFailed, "embedding-failed: boom") {
		t.Fatal("update failed")
	}
	rec, _ := m.GetJob(ctx, j.ID)
	if rec.Status != job.StatusFailed || rec.ErrorMessage != "embedding-failed: boom" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if m.UpdateStatus(ctx, "no-such-job", job.StatusCompleted, "") {
		t.Fatal("expected false for unknown job")
	}
}

func TestRetryLifecycle(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	j := job.New("p1", "/staging/x.jpg", "", "", nil)
	m.Enqueue(ctx, j)
	// drain the pending entry so list length is observable below
	if got, _ := m.Dequeue(ctx, 100*time.Millisecond); got == nil {
		t.Fatal("dequeue miss")
	}
	m.UpdateStatus(ctx, j.ID, job.StatusFailed, "embedding-failed")

	// retries succeed until the budget is spent (P5)
	for i := 0; i < job.DefaultMaxRetries; i++ {
		if err := m.Retry(ctx, j.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
		rec, _ := m.GetJob(ctx, j.ID)
		if rec.Status != job.StatusQueued || rec.ErrorMessage != "" {
			t.Fatalf("retry %d record: %#v", i+1, rec)
		}
		if rec.RetryCount != i+1 {
			t.Fatalf("retry_count = %d, want %d", rec.RetryCount, i+1)
		}
		// fail it again for the next round
		if got, _ := m.Dequeue(ctx, 100*time.Millisecond); got == nil {
			t.Fatal("dequeue miss")
		}
		m.UpdateStatus(ctx, j.ID, job.StatusFailed, "embedding-failed")
	}
	if err := m.Retry(ctx, j.ID); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if n, _ := m.PendingLength(ctx); n != 0 {
		t.Fatalf("exhausted retry must not touch the list, length=%d", n)
	}
}

func TestRetryRefusals(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	if err := m.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	j := job.New("p1", "/staging/x.jpg", "", "", nil)
	m.Enqueue(ctx, j)
	if err := m.Retry(ctx, j.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for queued job, got %v", err)
	}
}

func TestStats(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	a := job.New("p1", "/s/a.jpg", "", "", nil)
	b := job.New("p2", "/s/b.jpg", "", "", nil)
	c := job.New("p3", "/s/c.jpg", "", "", nil)
	m.Enqueue(ctx, a)
	m.Enqueue(ctx, b)
	m.Enqueue(ctx, c)
	if got, _ := m.Dequeue(ctx, 100*time.Millisecond); got == nil {
		t.Fatal("dequeue miss")
	}
	if got, _ := m.Dequeue(ctx, 100*time.Millisecond); got == nil {
		t.Fatal("dequeue miss")
	}
	if !m.UpdateStatus(ctx, b.ID, job.StatusCompleted, "") {
		t.Fatal("complete b")
	}
	s, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Available {
		t.Fatal("expected available")
	}
	if s.Jobs.Total != 3 {
		t.Fatalf("total = %d", s.Jobs.Total)
	}
	if s.Jobs.Processing != 1 || s.Jobs.Completed != 1 || s.Jobs.Queued != 1 {
		t.Fatalf("counts: %#v", s.Jobs)
	}
	if s.PendingInQueue != 1 {
		t.Fatalf("pending = %d", s.PendingInQueue)
	}
}

func TestCleanup(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	old := job.New("p1", "/s/a.jpg", "", "", nil)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	fresh := job.New("p2", "/s/b.jpg", "", "", nil)
	stale := job.New("p3", "/s/c.jpg", "", "", nil)
	stale.CreatedAt = old.CreatedAt
	m.Enqueue(ctx, old)
	m.Enqueue(ctx, fresh)
	m.Enqueue(ctx, stale)
	if got, _ := m.Dequeue(ctx, 100*time.Millisecond); got == nil || got.ID != old.ID {
		t.Fatalf("expected to dequeue %s, got %#v", old.ID, got)
	}
	if !m.UpdateStatus(ctx, old.ID, job.StatusCompleted, "") {
		t.Fatal("complete old")
	}
	// stale stays queued: old but non-terminal, must survive

	n, err := m.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := m.GetJob(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old terminal record should be gone, got %v", err)
	}
	if _, err := m.GetJob(ctx, stale.ID); err != nil {
		t.Fatalf("non-terminal record deleted: %v", err)
	}
	if _, err := m.GetJob(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh record deleted: %v", err)
	}
}

func TestHeartbeats(t *testing.T) {
	mr, m := setup(t)
	ctx := context.Background()
	ws := WorkerStatus{WorkerID: "w1", Status: "running", TasksProcessed: 3, TasksFailed: 1, LastSeen: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := m.PublishHeartbeat(ctx, ws, 60*time.Second); err != nil {
		t.Fatal(err)
	}
	workers, err := m.Workers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w1" || workers[0].TasksProcessed != 3 {
		t.Fatalf("unexpected workers: %#v", workers)
	}
	// TTL expiry removes the worker from the listing
	mr.FastForward(61 * time.Second)
	workers, err = m.Workers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected ttl expiry, got %#v", workers)
	}
}

func TestPurgePending(t *testing.T) {
	_, m := setup(t)
	ctx := context.Background()
	m.Enqueue(ctx, job.New("p1", "/s/a.jpg", "", "", nil))
	m.Enqueue(ctx, job.New("p2", "/s/b.jpg", "", "", nil))
	n, err := m.PurgePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("purged = %d", n)
	}
	if l, _ := m.PendingLength(ctx); l != 0 {
		t.Fatalf("pending = %d after purge", l)
	}
}
