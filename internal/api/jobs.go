package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobdrain/internal/model"
	"github.com/seantiz/jobdrain/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Type    string     `json:"type"`
	Payload string     `json:"payload"`
	Retries *int       `json:"retries"`
	DueDate *time.Time `json:"due_date"`
}

// setRetriesRequest is the JSON body for PUT /v1/jobs/{id}/retries.
type setRetriesRequest struct {
	Retries *int `json:"retries"`
}

// listJobsResponse wraps the job list response.
type listJobsResponse struct {
	Jobs  []*model.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	retries := model.DefaultRetries
	if req.Retries != nil {
		if *req.Retries < 0 {
			s.writeError(w, http.StatusBadRequest, "retries must not be negative")
			return
		}
		retries = *req.Retries
	}

	status := model.StatusPending
	if retries == 0 {
		status = model.StatusFailed
	}

	j := &model.Job{
		ID:        model.NewID(),
		Type:      req.Type,
		Status:    status,
		Retries:   retries,
		DueDate:   req.DueDate,
		CreatedAt: s.clock.Now().UTC(),
	}
	if req.Payload != "" {
		j.Payload = []byte(req.Payload)
	}

	if err := s.store.CreateJob(r.Context(), j); err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:  jobs,
		Total: len(jobs),
	})
}

func (s *Server) handleSetRetries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setRetriesRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Retries == nil || *req.Retries < 0 {
		s.writeError(w, http.StatusBadRequest, "retries must be a non-negative integer")
		return
	}

	if err := s.store.SetRetries(r.Context(), id, *req.Retries); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("set job retries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set retries")
		return
	}
	if *req.Retries > 0 {
		s.executor.Events().Reopen(id)
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("delete job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	s.executor.Events().Close(id)

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
