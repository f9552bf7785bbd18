package api

import (
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	Deployment string `json:"deployment"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Deployment: s.deployment})
}
