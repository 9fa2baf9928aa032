// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/config"
	"github.com/visionmall/image-index-queue/internal/embedding"
	"github.com/visionmall/image-index-queue/internal/job"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/staging"
	"github.com/visionmall/image-index-queue/internal/store"
	"github.com/visionmall/image-index-queue/internal/vectorstore"
)

type fixture struct {
	w   *Worker
	mgr *queue.Manager
	stg *staging.Dir
	emb *embedding.Fake
	vs  *vectorstore.Fake
	cfg *config.Config
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Worker.BatchSize = 2
	cfg.Worker.TaskTimeout = 5 * time.Second
	cfg.Queue.BlockTimeout = 50 * time.Millisecond
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Embedding.Backoff = config.EmbeddingBackoff{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}
	cfg.Embedding.Dimension = 8
	log, _ := zap.NewDevelopment()
	stg, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := queue.New(store.New(rdb), log, "imgindex", 24*time.Hour)
	emb := embedding.NewFake(8)
	vs := vectorstore.NewFake()
	w := New(cfg, "w-test", mgr, stg, emb, vs, log)
	return &fixture{w: w, mgr: mgr, stg: stg, emb: emb, vs: vs, cfg: cfg}
}

func (f *fixture) stageJob(t *testing.T, productID string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New(productID, "", "Name "+productID, "", map[string]any{"category": "shoes"})
	ref, err := f.stg.Put(j.ID, []byte("image-bytes-"+productID), ".jpg")
	if err != nil {
		t.Fatal(err)
	}
	j.ImageRef = ref
	if !f.mgr.Enqueue(ctx, j) {
		t.Fatal("enqueue failed")
	}
	got, err := f.mgr.Dequeue(ctx, 100*time.Millisecond)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v %v", got, err)
	}
	return got
}

func TestProcessSuccess(t *testing.T) {
	f := setup(t)
	j := f.stageJob(t, "p1")
	if !f.w.process(context.Background(), j) {
		t.Fatal("expected success")
	}
	rec, err := f.mgr.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status %s", rec.Status)
	}
	p, ok := f.vs.Get("p1")
	if !ok {
		t.Fatal("no upsert")
	}
	if p.Payload["has_image"] != true || p.Payload["category"] != "shoes" {
		t.Fatalf("payload: %#v", p.Payload)
	}
	if _, ok := p.Payload["indexed_at"]; !ok {
		t.Fatal("indexed_at missing")
	}
	if _, err := os.Stat(j.ImageRef); !os.IsNotExist(err) {
		t.Fatalf("staged payload not removed: %v", err)
	}
}

func TestProcessEmbeddingExhaustsRetries(t *testing.T) {
	f := setup(t)
	j := f.stageJob(t, "p1")
	boom := errors.New("connection reset")
	f.emb.Errs = []error{boom, boom, boom}
	if f.w.process(context.Background(), j) {
		t.Fatal("expected failure")
	}
	if f.emb.Calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.emb.Calls)
	}
	rec, _ := f.mgr.GetJob(context.Background(), j.ID)
	if rec.Status != job.StatusFailed || rec.ErrorMessage == "" {
		t.Fatalf("record: %#v", rec)
	}
	if _, ok := f.vs.Get("p1"); ok {
		t.Fatal("upsert must not happen after embedding failure")
	}
	if _, err := os.Stat(j.ImageRef); !os.IsNotExist(err) {
		t.Fatal("staged payload must be removed on failure too")
	}
}

func TestProcessEmbeddingRecoversMidRetry(t *testing.T) {
	f := setup(t)
	j := f.stageJob(t, "p1")
	f.emb.Errs = []error{errors.New("flaky"), errors.New("flaky")}
	if !f.w.process(context.Background(), j) {
		t.Fatal("expected recovery on third attempt")
	}
	rec, _ := f.mgr.GetJob(context.Background(), j.ID)
	if rec.Status != job.StatusCompleted {
		t.Fatalf("status %s", rec.Status)
	}
}

func TestProcessMissingImage(t *testing.T) {
	f := setup(t)
	j := f.stageJob(t, "p1")
	if err := os.Remove(j.ImageRef); err != nil {
		t.Fatal(err)
	}
	if f.w.process(context.Background(), j) {
		t.Fatal("expected failure")
	}
	rec, _ := f.mgr.GetJob(context.Background(), j.ID)
	if rec.Status != job.StatusFailed || rec.ErrorMessage != "image-unreadable" {
		t.Fatalf("record: %#v", rec)
	}
}

func TestProcessVectorStoreFailure(t *testing.T) {
	f := setup(t)
	j := f.stageJob(t, "p1")
	f.vs.UpsertErrs = []error{vectorstore.ErrInvalidPoint}
	if f.w.process(context.Background(), j) {
		t.Fatal("expected failure")
	}
	rec, _ := f.mgr.GetJob(context.Background(), j.ID)
	if rec.Status != job.StatusFailed {
		t.Fatalf("status %s", rec.Status)
	}
}

func TestProcessTaskTimeout(t *testing.T) {
	f := setup(t)
	f.cfg.Worker.TaskTimeout = 10 * time.Millisecond
	f.cfg.Embedding.Backoff = config.EmbeddingBackoff{Attempts: 3, Base: 50 * time.Millisecond, Max: 100 * time.Millisecond}
	j := f.stageJob(t, "p1")
	f.emb.Errs = []error{errors.New("slow"), errors.New("slow"), errors.New("slow")}
	if f.w.process(context.Background(), j) {
		t.Fatal("expected failure")
	}
	rec, _ := f.mgr.GetJob(context.Background(), j.ID)
	if rec.Status != job.StatusFailed || rec.ErrorMessage != "timeout" {
		t.Fatalf("record: %#v", rec)
	}
}

func TestDrainBatchHonorsBatchSize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for i, p := range []string{"p1", "p2", "p3"} {
		j := job.New(p, "", "", "", nil)
		ref, err := f.stg.Put(j.ID, []byte{0xFF, 0xD8, 0xFF, byte(i)}, ".jpg")
		if err != nil {
			t.Fatal(err)
		}
		j.ImageRef = ref
		if !f.mgr.Enqueue(ctx, j) {
			t.Fatal("enqueue failed")
		}
	}
	batch := f.w.drainBatch(ctx)
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want batch_size 2", len(batch))
	}
	if n, _ := f.mgr.PendingLength(ctx); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestRunProcessesAndStops(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	bgctx := context.Background()
	var jobs []*job.Job
	for _, p := range []string{"p1", "p2"} {
		j := job.New(p, "", "", "", nil)
		ref, err := f.stg.Put(j.ID, []byte("img-"+p), ".jpg")
		if err != nil {
			t.Fatal(err)
		}
		j.ImageRef = ref
		if !f.mgr.Enqueue(bgctx, j) {
			t.Fatal("enqueue failed")
		}
		jobs = append(jobs, &j)
	}
	done := make(chan struct{})
	go func() {
		_ = f.w.Run(ctx)
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for {
		s, err := f.mgr.Stats(bgctx)
		if err == nil && s.Jobs.Completed == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs did not complete in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	workers, err := f.mgr.Workers(bgctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].Status != "stopped" {
		t.Fatalf("final heartbeat: %#v", workers)
	}
	if workers[0].TasksProcessed != 2 {
		t.Fatalf("tasks_processed = %d", workers[0].TasksProcessed)
	}
	for _, j := range jobs {
		rec, err := f.mgr.GetJob(bgctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != job.StatusCompleted {
			t.Fatalf("job %s status %s", j.ID, rec.Status)
		}
	}
}
