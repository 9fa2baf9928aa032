// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/visionmall/image-index-queue/internal/indexer"
	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
)

type submitResponse struct {
	Status         string `json:"status"`
	JobID          string `json:"job_id,omitempty"`
	ProductID      string `json:"product_id"`
	ProcessingMode string `json:"processing_mode"`
	StatusURL      string `json:"status_url,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.HTTP.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}

	req := indexer.SubmitRequest{
		ProductID:   r.FormValue("product_id"),
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
	}
	if meta := r.FormValue("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &req.Metadata); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("metadata is not valid JSON: %v", err))
			return
		}
	}

	file, header, err := r.FormFile("image_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image_file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read image_file: %v", err))
		return
	}
	req.Image = data
	req.Filename = header.Filename
	req.ContentType = header.Header.Get("Content-Type")

	res, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, indexer.ErrBadInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("submission failed", obs.String("product_id", req.ProductID), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "indexing failed")
		return
	}

	resp := submitResponse{
		Status:         res.Status,
		JobID:          res.JobID,
		ProductID:      res.ProductID,
		ProcessingMode: res.Mode,
	}
	code := http.StatusOK
	if res.Mode == "async" {
		code = http.StatusAccepted
		resp.StatusURL = "/api/v1/queue/status/" + res.JobID
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ProductID    string `json:"product_id"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	j, err := s.mgr.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return
		}
		s.log.Error("status lookup failed", obs.String("id", jobID), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:        j.ID,
		Status:       string(j.Status),
		ProductID:    j.ProductID,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.mgr.Available(r.Context()) {
		writeJSON(w, http.StatusOK, queue.Stats{
			Available: false,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}
	stats, err := s.mgr.Stats(r.Context())
	if err != nil {
		s.log.Error("stats failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	err := s.mgr.Retry(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "retrying", "job_id": jobID})
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
	case errors.Is(err, queue.ErrRetryExhausted), errors.Is(err, queue.ErrNotRetryable):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("retry failed", obs.String("id", jobID), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "retry failed")
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.mgr.Workers(r.Context())
	if err != nil {
		s.log.Error("worker listing failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "worker listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_count": len(workers),
		"workers":      workers,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_available": s.mgr.Available(r.Context()),
	})
}
