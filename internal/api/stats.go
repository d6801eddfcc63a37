package api

import (
	"net/http"

	"github.com/seantiz/cellrun/internal/engine"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByBackend     map[string]int `json:"by_backend"`
	ByKind        map[string]int `json:"by_kind"`
	GuestErrors   int            `json:"guest_errors"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Engine        engine.Status  `json:"engine"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByBackend:     stats.CountByBackend,
		ByKind:        stats.CountByKind,
		GuestErrors:   stats.GuestErrors,
		AvgDurationMS: stats.AvgDurationMS,
		Engine:        s.engine.Status(),
	})
}
