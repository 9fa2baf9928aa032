// Copyright 2025 James Ross
package embedding

import (
	"context"
	"sync"
)

// Fake is an in-memory Embedder for tests. Errs are consumed one per call
// before the deterministic vector is returned.
type Fake struct {
	mu    sync.Mutex
	dim   int
	Errs  []error
	Calls int
}

func NewFake(dim int) *Fake { return &Fake{dim: dim} }

func (f *Fake) Dim() int { return f.dim }

func (f *Fake) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.Errs) > 0 {
		err := f.Errs[0]
		f.Errs = f.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(data)%97) / 97
	}
	return v, nil
}
