package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/seantiz/cellrun/internal/engine"
	"github.com/seantiz/cellrun/internal/session"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
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
	s.writeJSON(w, status, errorResponse{Error: message})
}

// decodeBody decodes a size-limited JSON request body into v. An empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// engineErrorStatus maps an engine call error to an HTTP status.
func engineErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrEngineFailed), errors.Is(err, engine.ErrNoStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrReset):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
