// Copyright 2025 James Ross
package vectorstore

import (
	"context"
	"errors"
)

// Point is one upserted vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is one similarity-search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// ErrInvalidPoint marks a permanent rejection (validation) as opposed to a
// transient transport failure.
var ErrInvalidPoint = errors.New("vector store rejected point")

// VectorStore is the opaque upsert-by-id + similarity-search collaborator.
type VectorStore interface {
	Upsert(ctx context.Context, p Point) error
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)
	Ping(ctx context.Context) error
}
