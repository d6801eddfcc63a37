package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	exec, err := s.engine.Submit(r.Context(), req.Code, req.wrap())
	if err != nil {
		s.logger.Error("submit execution", "error", err)
		s.writeError(w, engineErrorStatus(err), "failed to submit execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	execs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if execs == nil {
		execs = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: execs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// lookupExecution loads the execution named by the {id} URL parameter,
// writing a 404 or 500 response when it cannot.
func (s *Server) lookupExecution(w http.ResponseWriter, r *http.Request) (*model.Execution, bool) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return nil, false
	}
	return exec, true
}
