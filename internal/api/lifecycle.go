package api

import (
	"net/http"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/engine"
)

// initializeRequest is the JSON body for POST /v1/engine/initialize. Omitting
// packages uses the configured list.
type initializeRequest struct {
	Packages []string `json:"packages"`
}

type initializeResponse struct {
	Result backend.InitResult `json:"result"`
	Engine engine.Status      `json:"engine"`
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Initialize(r.Context(), req.Packages)
	if err != nil {
		s.logger.Warn("initialize engine", "error", err)
		if res.Error == "" {
			res.Error = err.Error()
		}
		s.writeJSON(w, engineErrorStatus(err), initializeResponse{Result: res, Engine: s.engine.Status()})
		return
	}

	s.writeJSON(w, http.StatusOK, initializeResponse{Result: res, Engine: s.engine.Status()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		s.logger.Error("reset engine", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reset engine")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}
