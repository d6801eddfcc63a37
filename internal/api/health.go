package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

// handleHealthz reports process liveness. A failed engine does not make the
// server unhealthy; it is recovered through a reset.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Engine: s.engine.State()})
}
