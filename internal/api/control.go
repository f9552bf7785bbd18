package api

import (
	"net/http"
)

// executorResponse is the JSON response for the /v1/executor endpoints.
type executorResponse struct {
	Active bool   `json:"active"`
	Owner  string `json:"owner"`
}

func (s *Server) handleExecutorStatus(w http.ResponseWriter, r *http.Request) {
	s.writeExecutorStatus(w)
}

func (s *Server) handleExecutorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Start(r.Context()); err != nil {
		s.logger.Error("start executor", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start executor")
		return
	}
	s.writeExecutorStatus(w)
}

func (s *Server) handleExecutorStop(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Stop(r.Context()); err != nil {
		s.logger.Error("stop executor", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop executor")
		return
	}
	s.writeExecutorStatus(w)
}

func (s *Server) writeExecutorStatus(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, executorResponse{
		Active: s.executor.IsActive(),
		Owner:  s.executor.Owner(),
	})
}
