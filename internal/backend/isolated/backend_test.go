package isolated

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

// pipeLauncher runs a scripted worker on the far end of a net.Pipe.
type pipeLauncher struct{}

func (pipeLauncher) Name() string { return "pipe" }

func (pipeLauncher) Launch(ctx context.Context) (session.Conn, error) {
	host, worker := net.Pipe()
	go fakeWorker(worker)
	return host, nil
}

// fakeWorker keeps a tiny namespace: "set k v" stores, "get k" prints, and
// anything containing "raise" writes a traceback to stderr.
func fakeWorker(conn net.Conn) {
	defer conn.Close()
	session.WriteMessage(conn, session.Response{Type: session.TypeReady})
	vars := map[string]string{}
	for {
		var req struct {
			ID      string          `json:"id"`
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := session.ReadMessage(conn, &req); err != nil {
			return
		}
		var result any
		switch req.Type {
		case session.TypeInit:
			var p session.InitPayload
			json.Unmarshal(req.Payload, &p)
			var failed []string
			for _, pkg := range p.Packages {
				if strings.HasPrefix(pkg, "bad") {
					failed = append(failed, pkg)
				}
			}
			result = session.InitResult{Ready: true, Failed: failed}
		case session.TypeExecute:
			var p session.ExecutePayload
			json.Unmarshal(req.Payload, &p)
			fields := strings.Fields(p.Code)
			var out session.ExecuteResult
			switch {
			case strings.Contains(p.Code, "raise"):
				out.Stderr = "Traceback (most recent call last):\nRuntimeError: raised\n"
			case len(fields) == 3 && fields[0] == "set":
				vars[fields[1]] = fields[2]
			case len(fields) == 2 && fields[0] == "get":
				out.Stdout = vars[fields[1]] + "\n"
			}
			result = out
		case session.TypeInstall:
			result = session.InstallResult{Success: true}
		case session.TypeReset:
			return
		}
		data, _ := json.Marshal(result)
		session.WriteMessage(conn, session.Response{ID: req.ID, Type: req.Type, Result: data})
	}
}

func newStarted(t *testing.T, packages []string) *Backend {
	t.Helper()
	b := New(model.IsolationProcess, pipeLauncher{}, session.DefaultConfig(), nil)
	res, err := b.Start(context.Background(), packages)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Ready {
		t.Fatal("Ready = false, want true")
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func TestBackendStatePersists(t *testing.T) {
	b := newStarted(t, nil)
	ctx := context.Background()

	if _, err := b.Execute(ctx, "set x 1"); err != nil {
		t.Fatalf("Execute set: %v", err)
	}
	out, err := b.Execute(ctx, "get x")
	if err != nil {
		t.Fatalf("Execute get: %v", err)
	}
	if out.Stdout != "1\n" {
		t.Errorf("Stdout = %q, want %q", out.Stdout, "1\n")
	}
}

func TestBackendGuestErrorIsData(t *testing.T) {
	b := newStarted(t, nil)
	out, err := b.Execute(context.Background(), "raise RuntimeError")
	if err != nil {
		t.Fatalf("Execute returned transport error for guest failure: %v", err)
	}
	if !strings.Contains(out.Stderr, "RuntimeError") {
		t.Errorf("Stderr = %q, want traceback", out.Stderr)
	}
}

func TestBackendStartReportsFailedPackages(t *testing.T) {
	b := New(model.IsolationProcess, pipeLauncher{}, session.DefaultConfig(), nil)
	defer b.Close(context.Background())

	res, err := b.Start(context.Background(), []string{"numpy", "badpkg"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Ready {
		t.Error("Ready = false, want true")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "badpkg" {
		t.Errorf("Failed = %v, want [badpkg]", res.Failed)
	}
	if !strings.Contains(res.Error, "badpkg") {
		t.Errorf("Error = %q, want it to name badpkg", res.Error)
	}
}

func TestBackendExecuteBeforeStart(t *testing.T) {
	b := New(model.IsolationProcess, pipeLauncher{}, session.DefaultConfig(), nil)
	if _, err := b.Execute(context.Background(), "1"); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("Execute error = %v, want ErrNotReady", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close unstarted: %v", err)
	}
}

func TestBackendCloseFailsLaterCalls(t *testing.T) {
	b := newStarted(t, nil)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Execute(context.Background(), "get x"); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("Execute after Close error = %v, want ErrNotReady", err)
	}
}

func TestBackendInstall(t *testing.T) {
	b := newStarted(t, nil)
	res, err := b.Install(context.Background(), "requests")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
}

func TestBackendCapabilities(t *testing.T) {
	caps := New(model.IsolationVsock, pipeLauncher{}, session.DefaultConfig(), nil).Capabilities()
	if !caps.Isolated || caps.Isolation != model.IsolationVsock || caps.Harness != "python" {
		t.Errorf("Capabilities() = %+v", caps)
	}
}
