// Package isolated implements backend.Backend over a session worker running
// in a separate execution context: a local child process or a microVM guest.
package isolated

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/session"
)

// BackendName is the interpreter name reported in capabilities.
const BackendName = "python"

// Backend drives one session worker.
type Backend struct {
	isolation string
	launcher  session.Launcher
	cfg       session.Config
	logger    *slog.Logger

	mu   sync.Mutex
	sess *session.Session
}

// New creates an unstarted backend that launches its worker with launcher.
// isolation is the mode it is registered under and only labels capabilities.
func New(isolation string, launcher session.Launcher, cfg session.Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		isolation: isolation,
		launcher:  launcher,
		cfg:       cfg,
		logger:    logger.With("component", "backend", "backend", isolation),
	}
}

// Start launches the worker, waits for its handshake and sends the package list.
func (b *Backend) Start(ctx context.Context, packages []string) (backend.InitResult, error) {
	b.mu.Lock()
	if b.sess != nil {
		b.mu.Unlock()
		return backend.InitResult{}, fmt.Errorf("backend %s already started", b.isolation)
	}
	sess := session.New(b.launcher, b.cfg, b.logger)
	b.sess = sess
	b.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		return backend.InitResult{Backend: b.isolation, Error: err.Error()}, fmt.Errorf("start session: %w", err)
	}

	res, err := sess.Init(ctx, packages)
	if err != nil {
		return backend.InitResult{Backend: b.isolation, Error: err.Error()}, fmt.Errorf("init session: %w", err)
	}

	out := backend.InitResult{Ready: res.Ready, Backend: b.isolation, Failed: res.Failed}
	if len(res.Failed) > 0 {
		out.Error = "failed to provide packages: " + strings.Join(res.Failed, ", ")
		b.logger.Warn("packages unavailable", "session_id", sess.ID(), "failed", res.Failed)
	}
	return out, nil
}

func (b *Backend) session() (*session.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, session.ErrNotReady
	}
	return b.sess, nil
}

// Execute runs code in the worker's persistent namespace.
func (b *Backend) Execute(ctx context.Context, code string) (backend.RawOutput, error) {
	sess, err := b.session()
	if err != nil {
		return backend.RawOutput{}, err
	}

	start := time.Now()
	res, err := sess.Execute(ctx, code)
	if err != nil {
		return backend.RawOutput{}, err
	}
	return backend.RawOutput{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// Install asks the worker to install name.
func (b *Backend) Install(ctx context.Context, name string) (backend.InstallResult, error) {
	sess, err := b.session()
	if err != nil {
		return backend.InstallResult{}, err
	}
	res, err := sess.Install(ctx, name)
	if err != nil {
		return backend.InstallResult{}, err
	}
	return backend.InstallResult{Success: res.Success, Error: res.Error}, nil
}

// Close terminates the session. Closing an unstarted backend is a no-op.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Terminate(ctx)
}

// Harness implements backend.Backend.
func (b *Backend) Harness() harness.Builder { return harness.Python{} }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      BackendName,
		Isolation: b.isolation,
		Isolated:  true,
		Harness:   harness.Python{}.Name(),
		Install:   true,
	}
}
