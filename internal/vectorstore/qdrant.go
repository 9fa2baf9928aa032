// Copyright 2025 James Ross
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// QdrantStore speaks Qdrant's REST API. Point ids are derived
// deterministically from the caller's id so upserts stay idempotent.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	dim        int
	distance   string
	client     *http.Client
}

func NewQdrant(baseURL, apiKey, collection string, dim int, distance string, timeout time.Duration) *QdrantStore {
	return &QdrantStore{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		dim:        dim,
		distance:   distance,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection when it does not exist yet.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	status, _, err := q.do(ctx, http.MethodGet, "/collections/"+q.collection, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{"size": q.dim, "distance": q.distance},
	}
	status, resp, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("create collection: status %d: %s", status, resp)
	}
	return nil
}

func (q *QdrantStore) Upsert(ctx context.Context, p Point) error {
	if len(p.Vector) != q.dim {
		return fmt.Errorf("%w: vector has %d dims, collection wants %d", ErrInvalidPoint, len(p.Vector), q.dim)
	}
	payload := map[string]any{"product_id": p.ID}
	for k, v := range p.Payload {
		payload[k] = v
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":      pointID(p.ID),
			"vector":  p.Vector,
			"payload": payload,
		}},
	}
	status, resp, err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status >= 400 && status < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrInvalidPoint, status, resp)
	}
	if status != http.StatusOK {
		return fmt.Errorf("upsert: status %d: %s", status, resp)
	}
	return nil
}

func (q *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	status, resp, err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", status, resp)
	}
	var out struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	hits := make([]Hit, 0, len(out.Result))
	for _, r := range out.Result {
		id, _ := r.Payload["product_id"].(string)
		hits = append(hits, Hit{ID: id, Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

func (q *QdrantStore) Ping(ctx context.Context) error {
	status, _, err := q.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("vector store ping: status %d", status)
	}
	return nil
}

func (q *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// pointID maps an arbitrary product id onto the UUID space Qdrant accepts.
func pointID(productID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(productID)).String()
}
