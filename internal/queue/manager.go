// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/job"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/store"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrNotRetryable   = errors.New("job is not in a retryable state")
	ErrRetryExhausted = errors.New("job exceeded max retries")
)

// Manager implements the job lifecycle protocol on top of the store: enqueue,
// blocking dequeue, status updates, operator retry, stats and cleanup.
type Manager struct {
	st     *store.Client
	log    *zap.Logger
	keys   Keys
	jobTTL time.Duration
}

func New(st *store.Client, log *zap.Logger, prefix string, jobTTL time.Duration) *Manager {
	return &Manager{st: st, log: log, keys: Keys{Prefix: prefix}, jobTTL: jobTTL}
}

func (m *Manager) Available(ctx context.Context) bool { return m.st.Available(ctx) }

// Enqueue persists the record first, then pushes the id onto the pending
// list. A crash between the two leaves an unreferenced record that expires
// with its TTL; the reverse order would hand workers ids with no record.
func (m *Manager) Enqueue(ctx context.Context, j job.Job) bool {
	fields, err := j.ToMap()
	if err != nil {
		m.log.Error("serialize job", obs.String("id", j.ID), obs.Err(err))
		return false
	}
	key := m.keys.Job(j.ID)
	if err := m.st.HashSet(ctx, key, fields); err != nil {
		m.log.Error("write job record", obs.String("id", j.ID), obs.Err(err))
		return false
	}
	if err := m.st.Expire(ctx, key, m.jobTTL); err != nil {
		m.log.Warn("set job ttl", obs.String("id", j.ID), obs.Err(err))
	}
	if err := m.st.ListPushRight(ctx, m.keys.Pending(), j.ID); err != nil {
		m.log.Error("push pending", obs.String("id", j.ID), obs.Err(err))
		return false
	}
	obs.JobsEnqueued.Inc()
	m.log.Info("job enqueued", obs.String("id", j.ID), obs.String("product_id", j.ProductID))
	return true
}

// Dequeue blocks up to blockTimeout for the next pending id, loads its
// record and transitions it to processing. Ids whose record is missing or no
// longer queued are dropped; the caller sees a nil job, not an error.
func (m *Manager) Dequeue(ctx context.Context, blockTimeout time.Duration) (*job.Job, error) {
	id, ok, err := m.st.ListBlockPopLeft(ctx, m.keys.Pending(), blockTimeout)
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if !ok {
		return nil, nil
	}
	fields, err := m.st.HashGetAll(ctx, m.keys.Job(id))
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	if len(fields) == 0 {
		// expired or cleaned while queued
		m.log.Debug("dropping id with no record", obs.String("id", id))
		return nil, nil
	}
	j, err := job.FromMap(fields)
	if err != nil {
		m.log.Warn("dropping unreadable record", obs.String("id", id), obs.Err(err))
		return nil, nil
	}
	if j.Status != job.StatusQueued {
		// duplicate list entry; another worker owns the job already
		m.log.Debug("skipping non-queued record", obs.String("id", id), obs.String("status", string(j.Status)))
		return nil, nil
	}
	j.Status = job.StatusProcessing
	j.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.st.HashSet(ctx, m.keys.Job(id), map[string]string{
		"status":     string(j.Status),
		"updated_at": j.UpdatedAt,
	}); err != nil {
		return nil, fmt.Errorf("mark processing %s: %w", id, err)
	}
	obs.JobsConsumed.Inc()
	return &j, nil
}

// UpdateStatus is idempotent. It refuses an unknown job id or an illegal
// transition by returning false rather than erroring; no job regresses out
// of a terminal state this way.
func (m *Manager) UpdateStatus(ctx context.Context, jobID string, st job.Status, errMsg string) bool {
	key := m.keys.Job(jobID)
	fields, err := m.st.HashGetAll(ctx, key)
	if err != nil {
		m.log.Error("load record for status update", obs.String("id", jobID), obs.Err(err))
		return false
	}
	if len(fields) == 0 {
		return false
	}
	// failed -> queued is reserved for Retry, which also re-pushes the id
	if cur := job.Status(fields["status"]); !cur.CanTransition(st) || (cur.Terminal() && cur != st) {
		m.log.Debug("refusing status transition",
			obs.String("id", jobID), obs.String("from", string(cur)), obs.String("to", string(st)))
		return false
	}
	update := map[string]string{
		"status":     string(st),
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		update["error_message"] = errMsg
	}
	if err := m.st.HashSet(ctx, key, update); err != nil {
		m.log.Error("write status update", obs.String("id", jobID), obs.Err(err))
		return false
	}
	m.log.Debug("job status updated", obs.String("id", jobID), obs.String("status", string(st)))
	return true
}

// Retry re-queues a failed job. The retry budget is fixed at creation;
// error_message is cleared back to the empty string.
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	key := m.keys.Job(jobID)
	fields, err := m.st.HashGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("load record %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return ErrNotFound
	}
	j, err := job.FromMap(fields)
	if err != nil {
		return fmt.Errorf("decode record %s: %w", jobID, err)
	}
	if j.Status != job.StatusFailed {
		return ErrNotRetryable
	}
	if j.RetryCount >= j.MaxRetries {
		return ErrRetryExhausted
	}
	if _, err := m.st.HashIncrBy(ctx, key, "retry_count", 1); err != nil {
		return fmt.Errorf("increment retry_count %s: %w", jobID, err)
	}
	if err := m.st.HashSet(ctx, key, map[string]string{
		"status":        string(job.StatusQueued),
		"error_message": "",
		"updated_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("reset record %s: %w", jobID, err)
	}
	if err := m.st.ListPushRight(ctx, m.keys.Pending(), jobID); err != nil {
		return fmt.Errorf("push pending %s: %w", jobID, err)
	}
	obs.JobsRetried.Inc()
	m.log.Info("job re-queued", obs.String("id", jobID), obs.Int("attempt", j.RetryCount+1))
	return nil
}

// GetJob loads a record for the status endpoint.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	fields, err := m.st.HashGetAll(ctx, m.keys.Job(jobID))
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	j, err := job.FromMap(fields)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", jobID, err)
	}
	return &j, nil
}

type JobCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

type Stats struct {
	Available      bool      `json:"available"`
	PendingInQueue int64     `json:"pending_in_queue"`
	Jobs           JobCounts `json:"jobs"`
	Timestamp      string    `json:"timestamp"`
}

// Stats scans every job record to aggregate counts by status. O(records);
// keep it off the submission and worker hot paths.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	keys, err := m.st.Scan(ctx, m.keys.JobPattern())
	if err != nil {
		return s, fmt.Errorf("scan records: %w", err)
	}
	for _, key := range keys {
		fields, err := m.st.HashGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		switch job.Status(fields["status"]) {
		case job.StatusQueued:
			s.Jobs.Queued++
		case job.StatusProcessing:
			s.Jobs.Processing++
		case job.StatusCompleted:
			s.Jobs.Completed++
		case job.StatusFailed:
			s.Jobs.Failed++
		default:
			continue
		}
		s.Jobs.Total++
	}
	n, err := m.st.ListLen(ctx, m.keys.Pending())
	if err != nil {
		return s, fmt.Errorf("pending length: %w", err)
	}
	s.PendingInQueue = n
	s.Available = true
	return s, nil
}

// Cleanup deletes terminal records older than the cutoff and returns how
// many it removed. Non-terminal records are never touched.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	keys, err := m.st.Scan(ctx, m.keys.JobPattern())
	if err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}
	deleted := 0
	for _, key := range keys {
		fields, err := m.st.HashGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if !job.Status(fields["status"]).Terminal() {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			if err := m.st.Delete(ctx, key); err != nil {
				m.log.Warn("delete record", obs.String("key", key), obs.Err(err))
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		obs.CleanupDeleted.Add(float64(deleted))
		m.log.Info("cleanup removed records", obs.Int("count", deleted))
	}
	return deleted, nil
}

func (m *Manager) PendingLength(ctx context.Context) (int64, error) {
	return m.st.ListLen(ctx, m.keys.Pending())
}

// PurgePending drops every queued id from the pending list. Destructive;
// reserved for the guarded admin command.
func (m *Manager) PurgePending(ctx context.Context) (int64, error) {
	n, err := m.st.ListLen(ctx, m.keys.Pending())
	if err != nil {
		return 0, err
	}
	if err := m.st.Delete(ctx, m.keys.Pending()); err != nil {
		return 0, err
	}
	return n, nil
}

// WorkerStatus is the heartbeat blob a worker publishes under its key.
type WorkerStatus struct {
	WorkerID       string `json:"worker_id"`
	Status         string `json:"status"`
	TasksProcessed int64  `json:"tasks_processed"`
	TasksFailed    int64  `json:"tasks_failed"`
	LastSeen       string `json:"last_seen"`
}

// PublishHeartbeat writes the heartbeat with a TTL so crashed workers
// disappear on their own.
func (m *Manager) PublishHeartbeat(ctx context.Context, ws WorkerStatus, ttl time.Duration) error {
	b, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return m.st.SetWithTTL(ctx, m.keys.Worker(ws.WorkerID), string(b), ttl)
}

// Workers lists every live heartbeat.
func (m *Manager) Workers(ctx context.Context) ([]WorkerStatus, error) {
	keys, err := m.st.Scan(ctx, m.keys.WorkerPattern())
	if err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	out := make([]WorkerStatus, 0, len(keys))
	for _, key := range keys {
		v, ok, err := m.st.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var ws WorkerStatus
		if err := json.Unmarshal([]byte(v), &ws); err != nil {
			m.log.Debug("unreadable heartbeat", obs.String("key", key), obs.Err(err))
			continue
		}
		out = append(out, ws)
	}
	return out, nil
}
