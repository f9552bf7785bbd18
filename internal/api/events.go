package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/jobdrain/internal/model"
	"github.com/seantiz/jobdrain/internal/store"
)

// jobLogResponse is the JSON response for GET /v1/jobs/{id}/log.
type jobLogResponse struct {
	JobID   string           `json:"job_id"`
	Entries []model.LogEntry `json:"entries"`
}

// handleGetJobLog returns the persisted execution history of a job. History
// outlives the job, so a completed (deleted) job still has a log.
func (s *Server) handleGetJobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := s.store.GetLogEntries(r.Context(), id)
	if err != nil {
		s.logger.Error("get job log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job log")
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}

	s.writeJSON(w, http.StatusOK, jobLogResponse{
		JobID:   id,
		Entries: entries,
	})
}

// handleStreamEvents streams a job's live execution events as SSE until the
// job leaves the engine or the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// A job out of retries produces no more events.
	if j.Status == model.StatusFailed && j.Retries == 0 {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "job failed")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.executor.Events().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, e); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes an event as a single JSON data line.
func writeSSEData(w http.ResponseWriter, e model.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
