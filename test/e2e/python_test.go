package e2e

import (
	"os/exec"
	"strings"
	"testing"
)

// startPythonServer starts a server on the process backend, skipping when no
// interpreter is installed.
func startPythonServer(t *testing.T) *serverProc {
	t.Helper()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}
	return startServer(t, "process", "CELLRUN_PYTHON="+python)
}

func TestPythonSessionState(t *testing.T) {
	sp := startPythonServer(t)

	sp.execute(t, "total = sum(range(10))")
	res := sp.execute(t, "print(total)")
	if res["text"] != "45" {
		t.Errorf("text = %v, want 45", res["text"])
	}

	_, st := sp.get(t, "/v1/engine")
	if st["backend"] != "process" || st["isolated"] != true {
		t.Errorf("engine = %v, want isolated process backend", st)
	}
}

func TestPythonErrorKeepsPartialOutput(t *testing.T) {
	sp := startPythonServer(t)

	res := sp.execute(t, "print('partial')\nraise ValueError('bad value')")
	if res["text"] != "partial" {
		t.Errorf("text = %v, want partial", res["text"])
	}
	errText, _ := res["error"].(string)
	if !strings.Contains(errText, "ValueError: bad value") {
		t.Errorf("error = %q, want the traceback", errText)
	}
}

func TestPythonMissingModuleHint(t *testing.T) {
	sp := startPythonServer(t)

	res := sp.execute(t, "import cellrun_no_such_module")
	errText, _ := res["error"].(string)
	if !strings.Contains(errText, "Hint:") || !strings.Contains(errText, "cellrun_no_such_module") {
		t.Errorf("error = %q, want a missing-dependency hint", errText)
	}
}
