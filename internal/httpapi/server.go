// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/visionmall/image-index-queue/internal/config"
	"github.com/visionmall/image-index-queue/internal/indexer"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
)

// Server is the ingestion and observability HTTP surface.
type Server struct {
	cfg     *config.Config
	svc     *indexer.Service
	mgr     *queue.Manager
	log     *zap.Logger
	limiter *rate.Limiter
}

func NewServer(cfg *config.Config, svc *indexer.Service, mgr *queue.Manager, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		mgr:     mgr,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.HTTP.SubmitRatePerSec), cfg.HTTP.SubmitBurst),
	}
}

// Router wires the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/index-product-with-image", s.rateLimited(http.HandlerFunc(s.handleSubmit))).Methods(http.MethodPost)
	api.HandleFunc("/queue/status/{job_id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/queue/retry/{job_id}", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/queue/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start runs the server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.HTTP.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.log.Debug("http request", obs.String("method", r.Method), obs.String("path", r.URL.Path))
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
