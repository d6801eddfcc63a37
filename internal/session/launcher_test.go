package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/cellrun/internal/harness"
)

func TestWriteWorker(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteWorker(dir)
	if err != nil {
		t.Fatalf("WriteWorker: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path = %q, want it under %q", path, dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read worker: %v", err)
	}
	if !strings.Contains(string(data), `"ready"`) {
		t.Error("worker source does not send the ready signal")
	}
}

func TestWorkerCodeMarkerMatchesHarness(t *testing.T) {
	want := fmt.Sprintf("CODE_MARKER = %q", harness.CodeMarker)
	if !strings.Contains(string(workerSource), want) {
		t.Errorf("worker source does not define %s", want)
	}
}

func TestProcessLauncherMissingInterpreter(t *testing.T) {
	l := &ProcessLauncher{Python: "/nonexistent/python3"}
	if _, err := l.Launch(context.Background()); err == nil {
		t.Error("Launch with missing interpreter returned nil error")
	}
}

// TestProcessSessionEndToEnd runs the real worker when python3 is available.
func TestProcessSessionEndToEnd(t *testing.T) {
	if _, err := exec.LookPath(DefaultPython); err != nil {
		t.Skip("python3 not available")
	}

	s := New(&ProcessLauncher{}, Config{StartupTimeout: 20 * time.Second, CallTimeout: 20 * time.Second}, nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Terminate(ctx)

	if _, err := s.Execute(ctx, "x = 41"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := s.Execute(ctx, "print(x + 1)")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "42\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "42\n")
	}

	res, err = s.Execute(ctx, "1/0")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Stderr, "ZeroDivisionError") {
		t.Errorf("Stderr = %q, want ZeroDivisionError traceback", res.Stderr)
	}

	res, err = s.Execute(ctx, "print('still alive')")
	if err != nil {
		t.Fatalf("Execute after guest error: %v", err)
	}
	if res.Stdout != "still alive\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}
