// Copyright 2025 James Ross
package vectorstore

import (
	"context"
	"sync"
)

// Fake is an in-memory VectorStore for tests.
type Fake struct {
	mu         sync.Mutex
	Points     map[string]Point
	UpsertErrs []error
	PingErr    error
}

func NewFake() *Fake { return &Fake{Points: map[string]Point{}} }

func (f *Fake) Upsert(ctx context.Context, p Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.UpsertErrs) > 0 {
		err := f.UpsertErrs[0]
		f.UpsertErrs = f.UpsertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.Points[p.ID] = p
	return nil
}

func (f *Fake) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := make([]Hit, 0, len(f.Points))
	for id, p := range f.Points {
		hits = append(hits, Hit{ID: id, Score: 1, Payload: p.Payload})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *Fake) Get(id string) (Point, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Points[id]
	return p, ok
}
