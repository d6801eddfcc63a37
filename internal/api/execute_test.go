package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/engine"
	"github.com/seantiz/cellrun/internal/model"
)

func newHTTPTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestExecutePrint(t *testing.T) {
	_, ts := newInProcessServer(t)

	var res model.ExecutionResult
	code := postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: `print("  hello  ")`}, &res)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want %q", res.Text, "hello")
	}
	if res.Kind != model.KindText || res.Error != "" {
		t.Errorf("result = %+v, want plain text without error", res)
	}
}

func TestExecuteStatePersists(t *testing.T) {
	_, ts := newInProcessServer(t)

	if code := postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "x = 41"}, nil); code != http.StatusOK {
		t.Fatalf("first execute status = %d", code)
	}

	var res model.ExecutionResult
	postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "print(x + 1)"}, &res)
	if res.Text != "42" {
		t.Errorf("text = %q, want %q", res.Text, "42")
	}

	postJSON(t, ts.URL+"/v1/engine/reset", "", nil)

	postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "print(x)"}, &res)
	if res.Error == "" {
		t.Error("variable survived a reset")
	}
}

func TestExecuteGuestError(t *testing.T) {
	_, ts := newInProcessServer(t)

	var res model.ExecutionResult
	code := postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "print(\"partial\")\nfail(\"boom\")"}, &res)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a guest error", code)
	}
	if res.Text != "partial" {
		t.Errorf("text = %q, want %q", res.Text, "partial")
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("error = %q, want it to mention boom", res.Error)
	}
}

func TestExecuteInvalidJSON(t *testing.T) {
	_, ts := newInProcessServer(t)

	if code := postJSON(t, ts.URL+"/v1/execute", "[", nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := newTestServer(t, model.IsolationProcess, map[string]backend.Factory{
		model.IsolationProcess: func() backend.Backend { return dyingBackend{} },
	})
	ts := newHTTPTestServer(t, srv)

	var body errorResponse
	code := postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "1"}, &body)
	if code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", code)
	}
	if body.Error == "" {
		t.Error("error body is empty")
	}

	var st engine.Status
	getJSON(t, ts.URL+"/v1/engine", &st)
	if st.State != model.EngineFailed {
		t.Errorf("engine state = %q, want %q", st.State, model.EngineFailed)
	}

	// A failed engine refuses work until reset.
	if code := postJSON(t, ts.URL+"/v1/execute", executeRequest{Code: "1"}, nil); code != http.StatusServiceUnavailable {
		t.Errorf("status after failure = %d, want 503", code)
	}
}

func TestInstallPackage(t *testing.T) {
	_, ts := newInProcessServer(t)

	var res backend.InstallResult
	if code := postJSON(t, ts.URL+"/v1/packages", installRequest{Name: "numpy"}, &res); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if res.Success {
		t.Error("in-process install reported success")
	}
	if !strings.Contains(res.Error, "numpy") {
		t.Errorf("error = %q, want it to name the package", res.Error)
	}
}

func TestInstallRequiresName(t *testing.T) {
	_, ts := newInProcessServer(t)

	if code := postJSON(t, ts.URL+"/v1/packages", installRequest{Name: "  "}, nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestEngineErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrEngineFailed, http.StatusServiceUnavailable},
		{engine.ErrNoStore, http.StatusServiceUnavailable},
		{engine.ErrReset, http.StatusConflict},
	}
	for _, tt := range tests {
		if got := engineErrorStatus(tt.err); got != tt.want {
			t.Errorf("engineErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
