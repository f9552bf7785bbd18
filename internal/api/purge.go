package api

import (
	"io"
	"net/http"
)

// handlePurge removes all runtime job state. 201 means nothing was left
// behind; otherwise the residue is reported as plain text with 400.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Purge(r.Context())
	if err != nil {
		s.logger.Error("purge", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to purge")
		return
	}
	s.executor.Events().Forget()

	if report.IsEmpty() {
		s.logger.Info("purge found clean state")
		w.WriteHeader(http.StatusCreated)
		return
	}

	detail := report.String()
	s.logger.Warn("purge removed residual state", "report", detail)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	if _, err := io.WriteString(w, detail); err != nil {
		s.logger.Error("write purge report", "error", err)
	}
}
