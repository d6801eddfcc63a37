package api

import (
	"net/http"
	"testing"

	"github.com/seantiz/cellrun/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	_, ts := newInProcessServer(t)

	var stats statsResponse
	if code := getJSON(t, ts.URL+"/v1/stats", &stats); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Engine.State != model.EngineUninitialized {
		t.Errorf("engine.state = %q, want %q", stats.Engine.State, model.EngineUninitialized)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv, ts := newInProcessServer(t)

	submitAndWait(t, srv, ts.URL, `print("a")`)
	submitAndWait(t, srv, ts.URL, `print("b")`)
	submitAndWait(t, srv, ts.URL, `fail("c")`)

	var stats statsResponse
	if code := getJSON(t, ts.URL+"/v1/stats", &stats); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus[model.StatusCompleted])
	}
	if stats.ByBackend[model.IsolationInProcess] != 3 {
		t.Errorf("by_backend[inprocess] = %d, want 3", stats.ByBackend[model.IsolationInProcess])
	}
	if stats.GuestErrors != 1 {
		t.Errorf("guest_errors = %d, want 1", stats.GuestErrors)
	}
	if stats.Engine.State != model.EngineReady {
		t.Errorf("engine.state = %q, want %q", stats.Engine.State, model.EngineReady)
	}
}

func TestListBackends(t *testing.T) {
	_, ts := newInProcessServer(t)

	var infos []struct {
		Name         string `json:"name"`
		Capabilities struct {
			Isolated bool `json:"isolated"`
		} `json:"capabilities"`
	}
	if code := getJSON(t, ts.URL+"/v1/backends", &infos); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(infos) != 1 || infos[0].Name != model.IsolationInProcess || infos[0].Capabilities.Isolated {
		t.Errorf("backends = %+v, want the non-isolated inprocess backend", infos)
	}
}
