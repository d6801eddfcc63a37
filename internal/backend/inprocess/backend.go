// Package inprocess implements backend.Backend with a Starlark interpreter
// hosted in the engine's own process. It is the degraded transport used when
// no isolated session can be started: there is no isolation boundary, no
// package installation and no plotting.
package inprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

// BackendName is the interpreter name reported in capabilities.
const BackendName = "starlark"

// cellFilename names the source of every executed cell in backtraces.
const cellFilename = "<cell>"

// fileOptions enables the Python features Starlark leaves off by default.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Backend runs cells against one persistent set of Starlark globals.
type Backend struct {
	callTimeout time.Duration
	logger      *slog.Logger

	// runMu serializes cells; mu guards the fields below.
	runMu   sync.Mutex
	mu      sync.Mutex
	started bool
	closed  bool
	globals starlark.StringDict
	cancel  context.CancelCauseFunc
}

// New creates an unstarted in-process backend. callTimeout bounds each cell;
// zero uses session.DefaultCallTimeout.
func New(callTimeout time.Duration, logger *slog.Logger) *Backend {
	if callTimeout <= 0 {
		callTimeout = session.DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		callTimeout: callTimeout,
		logger:      logger.With("component", "backend", "backend", model.IsolationInProcess),
	}
}

// predeclared returns the builtin modules visible to every cell.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json": starjson.Module,
		"math": starmath.Module,
	}
}

// Start implements backend.Backend. Packages cannot be provided in-process,
// so every requested package is reported as failed.
func (b *Backend) Start(ctx context.Context, packages []string) (backend.InitResult, error) {
	if err := ctx.Err(); err != nil {
		return backend.InitResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.InitResult{}, session.ErrNotReady
	}
	b.started = true
	b.globals = starlark.StringDict{}

	res := backend.InitResult{Ready: true, Backend: model.IsolationInProcess}
	if len(packages) > 0 {
		res.Failed = append([]string(nil), packages...)
		res.Error = "the in-process interpreter cannot install packages"
		b.logger.Warn("packages unavailable in degraded mode", "packages", packages)
	}
	return res, nil
}

// Execute implements backend.Backend. Globals defined by a cell are visible to
// later cells; they are frozen once the cell completes.
func (b *Backend) Execute(ctx context.Context, code string) (backend.RawOutput, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	ctx, cancelTimeout := context.WithTimeout(ctx, b.callTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b.mu.Lock()
	if !b.started || b.closed {
		b.mu.Unlock()
		return backend.RawOutput{}, session.ErrNotReady
	}
	b.cancel = cancel
	env := predeclared()
	for name, v := range b.globals {
		env[name] = v
	}
	b.mu.Unlock()

	var stdout, stderr bytes.Buffer
	thread := &starlark.Thread{
		Name: "cell",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteByte('\n')
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, errors.New("module not available")
		},
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	start := time.Now()
	globals, err := starlark.ExecFileOptions(fileOptions, thread, cellFilename, code, env)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = nil

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return backend.RawOutput{}, fmt.Errorf("%w after %s", session.ErrCallTimeout, b.callTimeout)
		}
		return backend.RawOutput{}, cause
	}
	if b.closed {
		return backend.RawOutput{}, session.ErrSessionTerminated
	}

	// Keep whatever the cell bound before failing.
	for name, v := range globals {
		b.globals[name] = v
	}

	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			stderr.WriteString(evalErr.Backtrace())
		} else {
			stderr.WriteString(err.Error())
		}
		stderr.WriteByte('\n')
	}

	return backend.RawOutput{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// Install implements backend.Backend. It always reports failure.
func (b *Backend) Install(ctx context.Context, name string) (backend.InstallResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.closed {
		return backend.InstallResult{}, session.ErrNotReady
	}
	return backend.InstallResult{
		Success: false,
		Error:   fmt.Sprintf("cannot install %q: the in-process interpreter does not support packages", name),
	}, nil
}

// Close implements backend.Backend. It discards all globals and cancels a
// running cell.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.globals = nil
	if b.cancel != nil {
		b.cancel(session.ErrSessionTerminated)
	}
	return nil
}

// Harness implements backend.Backend.
func (b *Backend) Harness() harness.Builder { return harness.Plain{} }

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      BackendName,
		Isolation: model.IsolationInProcess,
		Isolated:  false,
		Harness:   harness.Plain{}.Name(),
		Install:   false,
	}
}
