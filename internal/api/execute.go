package api

import (
	"net/http"
	"strings"
	"time"
)

// executeRequest is the JSON body for POST /v1/execute and POST /v1/executions.
// Wrap defaults to true.
type executeRequest struct {
	Code string `json:"code"`
	Wrap *bool  `json:"wrap"`
}

func (req executeRequest) wrap() bool {
	return req.Wrap == nil || *req.Wrap
}

// installRequest is the JSON body for POST /v1/packages.
type installRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Guest code may legitimately run for minutes; the engine's call deadline
	// bounds it instead of the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	res, err := s.engine.Execute(r.Context(), req.Code, req.wrap())
	if err != nil {
		s.logger.Error("execute", "error", err)
		s.writeError(w, engineErrorStatus(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}

	res, err := s.engine.InstallDependency(r.Context(), req.Name)
	if err != nil {
		s.logger.Error("install dependency", "package", req.Name, "error", err)
		s.writeError(w, engineErrorStatus(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}
