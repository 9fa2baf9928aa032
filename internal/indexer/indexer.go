// Copyright 2025 James Ross
package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/job"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
	"github.com/visionmall/image-index-queue/internal/staging"
	"github.com/visionmall/image-index-queue/internal/vectorstore"
)

// Embedder is the slice of the embedding collaborator the submission path
// needs for the synchronous fallback.
type Embedder interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
}

// SubmitRequest is one inbound submission: product metadata plus raw image
// bytes.
type SubmitRequest struct {
	ProductID   string
	Name        string
	Description string
	Metadata    map[string]any
	Image       []byte
	Filename    string
	ContentType string
}

// SubmitResult tells the caller how the submission was handled. Mode is
// "async" when a job was queued, "sync" when the queue was unreachable and
// the pipeline ran inline.
type SubmitResult struct {
	JobID     string
	ProductID string
	Status    string
	Mode      string
}

// Service turns submissions into queued jobs, falling back to inline
// processing when the queue is unreachable.
type Service struct {
	mgr *queue.Manager
	stg *staging.Dir
	emb Embedder
	vs  vectorstore.VectorStore
	log *zap.Logger
}

func New(mgr *queue.Manager, stg *staging.Dir, emb Embedder, vs vectorstore.VectorStore, log *zap.Logger) *Service {
	return &Service{mgr: mgr, stg: stg, emb: emb, vs: vs, log: log}
}

// Submit validates and stages the image, then enqueues a job. A refused
// enqueue (store down, record write failure) triggers the synchronous
// fallback on the caller's goroutine; a fallback failure leaves no partial
// state behind.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.ProductID == "" {
		return SubmitResult{}, fmt.Errorf("%w: product_id is required", ErrBadInput)
	}
	ext, err := staging.Validate(req.Image, req.Filename, req.ContentType)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrBadInput, err)
	}

	j := job.New(req.ProductID, "", req.Name, req.Description, req.Metadata)
	ref, err := s.stg.Put(j.ID, req.Image, ext)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("stage image: %w", err)
	}
	j.ImageRef = ref

	if s.mgr.Available(ctx) && s.mgr.Enqueue(ctx, j) {
		return SubmitResult{JobID: j.ID, ProductID: req.ProductID, Status: "queued", Mode: "async"}, nil
	}

	s.log.Warn("queue unreachable, processing inline", obs.String("product_id", req.ProductID))
	if err := s.processInline(ctx, req); err != nil {
		_ = s.stg.Remove(ref)
		return SubmitResult{}, err
	}
	_ = s.stg.Remove(ref)
	obs.SyncFallbacks.Inc()
	return SubmitResult{ProductID: req.ProductID, Status: "indexed", Mode: "sync"}, nil
}

func (s *Service) processInline(ctx context.Context, req SubmitRequest) error {
	vec, err := s.emb.EmbedImage(ctx, req.Image)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	payload := map[string]any{
		"name":        req.Name,
		"description": req.Description,
		"indexed_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"has_image":   true,
	}
	for k, v := range req.Metadata {
		payload[k] = v
	}
	if err := s.vs.Upsert(ctx, vectorstore.Point{ID: req.ProductID, Vector: vec, Payload: payload}); err != nil {
		return fmt.Errorf("vector store upsert failed: %w", err)
	}
	return nil
}
