package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestQdrant(t *testing.T, handler http.HandlerFunc) *QdrantStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewQdrant(srv.URL, "", "products", 4, "Cosine", 2*time.Second)
}

func TestEnsureCollectionCreatesOnce(t *testing.T) {
	var created bool
	q := newTestQdrant(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/products":
			if created {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && r.URL.Path == "/collections/products":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			vectors := body["vectors"].(map[string]any)
			if vectors["distance"] != "Cosine" {
				t.Errorf("distance = %v", vectors["distance"])
			}
			created = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("collection not created")
	}
	if err := q.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertDistinguishesPermanentFailures(t *testing.T) {
	status := http.StatusOK
	q := newTestQdrant(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	p := Point{ID: "p1", Vector: []float32{1, 2, 3, 4}, Payload: map[string]any{"name": "shoe"}}
	if err := q.Upsert(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	status = http.StatusUnprocessableEntity
	if err := q.Upsert(context.Background(), p); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	status = http.StatusInternalServerError
	if err := q.Upsert(context.Background(), p); err == nil || errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("5xx must not be permanent: %v", err)
	}
	// wrong dimension rejected before any request
	if err := q.Upsert(context.Background(), Point{ID: "p2", Vector: []float32{1}}); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint for dim mismatch, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	q := newTestQdrant(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/products/points/search" {
			t.Errorf("path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"score": 0.97, "payload": map[string]any{"product_id": "p1", "name": "shoe"}},
			},
		})
	})
	hits, err := q.Search(context.Background(), []float32{1, 2, 3, 4}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "p1" || hits[0].Score != 0.97 {
		t.Fatalf("hits: %#v", hits)
	}
}
