package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/cellrun/internal/config"
	"github.com/seantiz/cellrun/internal/model"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CELLRUN_CONFIG", "CELLRUN_ISOLATION", "CELLRUN_PACKAGES", "CELLRUN_LOG_LEVEL",
		"CELLRUN_LOG_FORMAT", "CELLRUN_VSOCK_CID", "CELLRUN_VSOCK_UDS",
	} {
		t.Setenv(k, "")
	}
}

// runApp runs the CLI with args and returns stdout, stderr and the error.
func runApp(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}

	err := app.Run(context.Background(), append([]string{"cellrun"}, args...))
	return out.String(), errOut.String(), err
}

func writeSource(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cell.star")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runApp(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "cellrun version dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestExecFile(t *testing.T) {
	clearEnv(t)
	path := writeSource(t, "x = 6 * 7\nprint(x)\n")

	out, _, err := runApp(t, "", "exec", "--isolation", "inprocess", path)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "42\n" {
		t.Errorf("output = %q, want %q", out, "42\n")
	}
}

func TestExecStdin(t *testing.T) {
	clearEnv(t)

	out, _, err := runApp(t, `print("from stdin")`, "exec", "--isolation", "inprocess", "-")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "from stdin\n" {
		t.Errorf("output = %q", out)
	}
}

func TestExecGuestError(t *testing.T) {
	clearEnv(t)
	path := writeSource(t, "print(\"before\")\nfail(\"broken\")\n")

	out, errOut, err := runApp(t, "", "exec", "--isolation", "inprocess", path)
	var exitErr cli.ExitCoder
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want cli.ExitCoder", err)
	}
	if exitErr.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", exitErr.ExitCode())
	}
	if out != "before\n" {
		t.Errorf("stdout = %q, want partial output", out)
	}
	if !strings.Contains(errOut, "broken") {
		t.Errorf("stderr = %q, want the guest error", errOut)
	}
}

func TestExecPackagesWarning(t *testing.T) {
	clearEnv(t)
	path := writeSource(t, `print("ok")`)

	_, errOut, err := runApp(t, "", "exec", "--isolation", "inprocess", "--packages", "numpy", path)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !strings.Contains(errOut, "packages unavailable: [numpy]") {
		t.Errorf("stderr = %q, want a package warning", errOut)
	}
}

func TestExecUnknownIsolation(t *testing.T) {
	clearEnv(t)

	_, _, err := runApp(t, "", "exec", "--isolation", "docker", "-")
	if err == nil || !strings.Contains(err.Error(), "unknown isolation") {
		t.Errorf("err = %v, want unknown isolation", err)
	}
}

func TestExecMissingFile(t *testing.T) {
	clearEnv(t)

	_, _, err := runApp(t, "", "exec", "--isolation", "inprocess", filepath.Join(t.TempDir(), "absent.py"))
	if err == nil || !strings.Contains(err.Error(), "read source") {
		t.Errorf("err = %v, want read source error", err)
	}
}

func TestNewRegistryVsockOnlyWhenConfigured(t *testing.T) {
	cfg := config.Default()
	logger := newLogger(&bytes.Buffer{}, cfg)

	names := func(cfg config.Config) []string {
		var out []string
		for _, info := range newRegistry(cfg, logger).List() {
			out = append(out, info.Name)
		}
		return out
	}

	got := strings.Join(names(cfg), ",")
	if got != model.IsolationInProcess+","+model.IsolationProcess {
		t.Errorf("backends = %s, want inprocess,process", got)
	}

	cfg.VsockCID = 3
	got = strings.Join(names(cfg), ",")
	if !strings.Contains(got, model.IsolationVsock) {
		t.Errorf("backends = %s, want vsock registered", got)
	}
}

func TestNewRegistryFirecrackerNeedsImages(t *testing.T) {
	cfg := config.Default()
	logger := newLogger(&bytes.Buffer{}, cfg)

	cfg.Firecracker.KernelPath = filepath.Join(t.TempDir(), "vmlinux")
	cfg.Firecracker.RootfsPath = filepath.Join(t.TempDir(), "rootfs.ext4")
	for _, info := range newRegistry(cfg, logger).List() {
		if info.Name == model.IsolationFirecracker {
			t.Fatal("firecracker registered with missing kernel image")
		}
	}
}
