package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/cellrun/internal/model"
)

// handleStreamEvents streams an execution's events as SSE. Stored events are
// replayed first, then live events follow until the execution finishes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before reading history so nothing published in between is
	// lost. Live events already covered by history are skipped by seq.
	ch, unsub := s.engine.Broker().Subscribe(exec.ID)
	defer unsub()

	history, err := s.store.GetEvents(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("get events", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	lastSeq := -1
	for _, ev := range history {
		if err := writeSSEEvent(w, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}
	flush()

	if exec.Status == model.StatusCompleted || exec.Status == model.StatusFailed {
		_ = writeSSEDone(w)
		flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEDone(w)
				flush()
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			lastSeq = ev.Seq
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/executions/{id}/events/history.
type eventHistoryResponse struct {
	ExecutionID string        `json:"execution_id"`
	Events      []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookupExecution(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("get events", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		ExecutionID: exec.ID,
		Events:      events,
	})
}

// writeSSEEvent writes one execution event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", ev.Seq, ev.Type); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(ev.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEDone writes the terminal done event.
func writeSSEDone(w http.ResponseWriter) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
