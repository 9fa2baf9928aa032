// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status of an indexing job. Terminal states are Completed and Failed;
// Failed may re-enter Queued through an operator retry.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal. Setting the
// same status twice is allowed so that status updates stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusQueued
	case StatusCompleted:
		return false
	}
	return false
}

const DefaultMaxRetries = 3

// Job is the unit of image-indexing work. The image payload itself is never
// serialized; ImageRef points at the staged copy.
type Job struct {
	ID           string
	ProductID    string
	ImageRef     string
	Name         string
	Description  string
	Metadata     map[string]any
	Status       Status
	RetryCount   int
	MaxRetries   int
	CreatedAt    string
	UpdatedAt    string
	ErrorMessage string
}

func New(productID, imageRef, name, description string, metadata map[string]any) Job {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Job{
		ID:          uuid.NewString(),
		ProductID:   productID,
		ImageRef:    imageRef,
		Name:        name,
		Description: description,
		Metadata:    metadata,
		Status:      StatusQueued,
		RetryCount:  0,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ToMap flattens the job into the string-keyed form the store's hash
// primitive takes. Metadata is JSON-encoded into a single field.
func (j Job) ToMap() (map[string]string, error) {
	meta := "{}"
	if len(j.Metadata) > 0 {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	return map[string]string{
		"job_id":        j.ID,
		"product_id":    j.ProductID,
		"image_ref":     j.ImageRef,
		"name":          j.Name,
		"description":   j.Description,
		"metadata":      meta,
		"status":        string(j.Status),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"created_at":    j.CreatedAt,
		"updated_at":    j.UpdatedAt,
		"error_message": j.ErrorMessage,
	}, nil
}

func FromMap(m map[string]string) (Job, error) {
	if m["job_id"] == "" {
		return Job{}, fmt.Errorf("record missing job_id")
	}
	st := Status(m["status"])
	if !st.Valid() {
		return Job{}, fmt.Errorf("record %s has invalid status %q", m["job_id"], m["status"])
	}
	retries, err := strconv.Atoi(orZero(m["retry_count"]))
	if err != nil {
		return Job{}, fmt.Errorf("record %s retry_count: %w", m["job_id"], err)
	}
	maxRetries, err := strconv.Atoi(orDefault(m["max_retries"], strconv.Itoa(DefaultMaxRetries)))
	if err != nil {
		return Job{}, fmt.Errorf("record %s max_retries: %w", m["job_id"], err)
	}
	var meta map[string]any
	if s := m["metadata"]; s != "" && s != "{}" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			return Job{}, fmt.Errorf("record %s metadata: %w", m["job_id"], err)
		}
	}
	return Job{
		ID:           m["job_id"],
		ProductID:    m["product_id"],
		ImageRef:     m["image_ref"],
		Name:         m["name"],
		Description:  m["description"],
		Metadata:     meta,
		Status:       st,
		RetryCount:   retries,
		MaxRetries:   maxRetries,
		CreatedAt:    m["created_at"],
		UpdatedAt:    m["updated_at"],
		ErrorMessage: m["error_message"],
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
