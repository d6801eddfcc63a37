// testserver starts a cellrun API server with a stub backend for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/cellrun/internal/api"
	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/config"
	"github.com/seantiz/cellrun/internal/engine"
	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/store"
)

// stubBackend echoes each cell after a delay. A cell containing "raise"
// produces a traceback on stderr, and one containing "import missing" reports
// a missing module.
type stubBackend struct {
	delay time.Duration

	mu    sync.Mutex
	cells int
}

func (s *stubBackend) Start(_ context.Context, packages []string) (backend.InitResult, error) {
	return backend.InitResult{Ready: true, Backend: "stub"}, nil
}

func (s *stubBackend) Execute(ctx context.Context, code string) (backend.RawOutput, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return backend.RawOutput{}, ctx.Err()
	}

	s.mu.Lock()
	s.cells++
	n := s.cells
	s.mu.Unlock()

	out := backend.RawOutput{Stdout: code + "\n", DurationMS: int(s.delay.Milliseconds())}
	switch {
	case strings.Contains(code, "import missing"):
		out.Stderr = "ModuleNotFoundError: No module named 'missing'\n"
	case strings.Contains(code, "raise"):
		out.Stderr = "Traceback (most recent call last):\nRuntimeError: cell " + strings.Repeat("I", n) + "\n"
	}
	return out, nil
}

func (s *stubBackend) Install(_ context.Context, name string) (backend.InstallResult, error) {
	return backend.InstallResult{Success: true}, nil
}

func (s *stubBackend) Close(context.Context) error { return nil }

func (s *stubBackend) Harness() harness.Builder { return harness.Plain{} }

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      "stub",
		Isolation: model.IsolationProcess,
		Isolated:  true,
		Harness:   harness.Plain{}.Name(),
		Install:   true,
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("CELLRUN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(model.IsolationProcess, func() backend.Backend {
		return &stubBackend{delay: 200 * time.Millisecond}
	})

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("CELLRUN_LOG_LEVEL")), config.FormatText)
	eng := engine.New(reg,
		engine.WithIsolation(model.IsolationProcess),
		engine.WithStore(db),
		engine.WithLogger(logger),
	)
	defer eng.Close(context.Background())

	srv := api.NewServer(addr, db, reg, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
