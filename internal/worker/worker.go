// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/breaker"
	"github.com/visionmall/image-index-queue/internal/config"
	"github.com/visionmall/image-index-queue/internal/embedding"
	"github.com/visionmall/image-index-queue/internal/job"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/staging"
	"github.com/visionmall/image-index-queue/internal/store"
	"github.com/visionmall/image-index-queue/internal/vectorstore"
)

// Worker drains the pending queue and runs the indexing pipeline on each
// job: staged image -> embedding -> vector-store upsert. Jobs within a batch
// run in parallel; batches run sequentially. Failed jobs stay failed; only
// an operator retry re-queues them.
type Worker struct {
	cfg *config.Config
	id  string
	mgr *queue.Manager
	stg *staging.Dir
	emb embedding.Embedder
	vs  vectorstore.VectorStore
	cb  *breaker.CircuitBreaker
	log *zap.Logger

	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64
}

func New(cfg *config.Config, id string, mgr *queue.Manager, stg *staging.Dir, emb embedding.Embedder, vs vectorstore.VectorStore, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, id: id, mgr: mgr, stg: stg, emb: emb, vs: vs, cb: cb, log: log}
}

// Run executes the worker loop until ctx is canceled: heartbeat, drain a
// batch, process it, sleep when idle. The in-flight batch is finished before
// returning; a final heartbeat marks the worker stopped.
func (w *Worker) Run(ctx context.Context) error {
	obs.WorkerActive.Inc()
	defer obs.WorkerActive.Dec()

	w.publishHeartbeat(ctx, "running")
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			sleep(ctx, w.cfg.Worker.BreakerPause)
			continue
		}
		batch := w.drainBatch(ctx)
		if len(batch) == 0 {
			// an idle drain consumed the half-open probe without exercising
			// the pipeline; release it so the breaker cannot wedge
			if w.cb.State() == breaker.HalfOpen {
				w.cb.Record(true)
			}
			sleep(ctx, w.cfg.Worker.PollInterval)
			continue
		}
		w.processBatch(ctx, batch)
	}

	hbCancel()
	w.publishFinalHeartbeat()
	w.log.Info("worker stopped",
		obs.String("worker_id", w.id),
		obs.Int64("tasks_processed", w.tasksProcessed.Load()),
		obs.Int64("tasks_failed", w.tasksFailed.Load()))
	return nil
}

// drainBatch collects up to batch_size jobs using short blocking pops so the
// loop stays responsive to shutdown.
func (w *Worker) drainBatch(ctx context.Context) []*job.Job {
	var batch []*job.Job
	for len(batch) < w.cfg.Worker.BatchSize {
		j, err := w.mgr.Dequeue(ctx, w.cfg.Queue.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if store.IsTransient(err) {
				w.log.Warn("dequeue error, retrying", obs.Err(err))
			} else {
				w.log.Error("dequeue error", obs.Err(err))
			}
			sleep(ctx, w.cfg.Worker.PollInterval)
			break
		}
		if j == nil {
			break
		}
		batch = append(batch, j)
	}
	return batch
}

// processBatch runs the batch's jobs in parallel and records their outcomes
// on the breaker.
func (w *Worker) processBatch(ctx context.Context, batch []*job.Job) {
	var wg sync.WaitGroup
	for _, j := range batch {
		wg.Add(1)
		go func(j *job.Job) {
			defer wg.Done()
			start := time.Now()
			ok := w.process(ctx, j)
			obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
			w.cb.Record(ok)
			if ok {
				w.tasksProcessed.Add(1)
				obs.JobsCompleted.Inc()
			} else {
				w.tasksFailed.Add(1)
				obs.JobsFailed.Inc()
			}
		}(j)
	}
	wg.Wait()
}

// process runs one job under task_timeout. Every failure path becomes a
// status update; nothing propagates into the loop. The staged payload is
// unlinked on any terminal transition. The timeout is deliberately not
// derived from the loop context: shutdown finishes the in-flight batch.
func (w *Worker) process(_ context.Context, j *job.Job) bool {
	tctx, cancel := context.WithTimeout(context.Background(), w.cfg.Worker.TaskTimeout)
	defer cancel()
	defer func() {
		if err := w.stg.Remove(j.ImageRef); err != nil {
			w.log.Debug("unlink staged payload", obs.String("id", j.ID), obs.Err(err))
		}
	}()

	data, err := w.stg.Read(j.ImageRef)
	if err != nil {
		w.fail(j, "image-unreadable")
		return false
	}

	vec, err := w.embedWithRetry(tctx, data)
	if err != nil {
		w.fail(j, reasonFor(tctx, fmt.Sprintf("embedding-failed: %v", err)))
		return false
	}

	payload := map[string]any{
		"name":        j.Name,
		"description": j.Description,
		"indexed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"has_image":   true,
	}
	for k, v := range j.Metadata {
		payload[k] = v
	}
	err = w.vs.Upsert(tctx, vectorstore.Point{ID: j.ProductID, Vector: vec, Payload: payload})
	if err != nil {
		w.fail(j, reasonFor(tctx, fmt.Sprintf("vector-store-failed: %v", err)))
		return false
	}

	if !w.updateStatus(j.ID, job.StatusCompleted, "") {
		w.log.Warn("completed job vanished before status update", obs.String("id", j.ID))
	}
	w.log.Info("job completed", obs.String("id", j.ID), obs.String("product_id", j.ProductID), obs.String("worker_id", w.id))
	return true
}

// embedWithRetry applies the bounded in-attempt retry around the embedding
// call. The final failure is returned, never swallowed.
func (w *Worker) embedWithRetry(ctx context.Context, data []byte) ([]float32, error) {
	bo := w.cfg.Embedding.Backoff
	var lastErr error
	for attempt := 1; attempt <= bo.Attempts; attempt++ {
		vec, err := w.emb.EmbedImage(ctx, data)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if errors.Is(err, embedding.ErrDimensionMismatch) {
			// misconfiguration, retrying cannot help
			return nil, err
		}
		if attempt < bo.Attempts {
			sleep(ctx, backoff(attempt, bo.Base, bo.Max))
		}
	}
	return nil, lastErr
}

// fail records the terminal failure. The job's own context may already be
// expired, so the write gets a fresh one.
func (w *Worker) fail(j *job.Job, reason string) {
	if !w.updateStatus(j.ID, job.StatusFailed, reason) {
		w.log.Warn("failed job vanished before status update", obs.String("id", j.ID))
	}
	w.log.Warn("job failed", obs.String("id", j.ID), obs.String("reason", reason), obs.String("worker_id", w.id))
}

func (w *Worker) updateStatus(jobID string, st job.Status, errMsg string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.mgr.UpdateStatus(ctx, jobID, st, errMsg)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx, "running")
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context, status string) {
	ws := queue.WorkerStatus{
		WorkerID:       w.id,
		Status:         status,
		TasksProcessed: w.tasksProcessed.Load(),
		TasksFailed:    w.tasksFailed.Load(),
		LastSeen:       time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := w.mgr.PublishHeartbeat(ctx, ws, w.cfg.Worker.HeartbeatTTL); err != nil {
		w.log.Warn("publish heartbeat", obs.Err(err))
	}
}

func (w *Worker) publishFinalHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.publishHeartbeat(ctx, "stopped")
}

// reasonFor collapses a failure into "timeout" when the task deadline was
// what killed it.
func reasonFor(ctx context.Context, reason string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return reason
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
