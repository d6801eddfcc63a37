package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
	"github.com/seantiz/cellrun/internal/store"
)

// Engine is the public execution surface. It holds at most one live backend.
type Engine struct {
	registry  *backend.Registry
	isolation string
	packages  []string
	store     store.Store
	broker    *EventBroker
	logger    *slog.Logger

	queue callQueue
	inits singleflight.Group
	wg    sync.WaitGroup

	mu          sync.Mutex
	state       string
	gen         uint64
	backend     backend.Backend
	backendName string
	lastInit    backend.InitResult
	lastErr     error
}

// Option configures an Engine.
type Option func(*Engine)

// WithIsolation selects the isolation mode resolved through the registry.
// The default is model.IsolationAuto.
func WithIsolation(mode string) Option {
	return func(e *Engine) { e.isolation = mode }
}

// WithPackages sets the packages requested when the engine initializes lazily.
func WithPackages(packages []string) Option {
	return func(e *Engine) { e.packages = append([]string(nil), packages...) }
}

// WithStore enables Submit and execution history.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an uninitialized engine over the backends in reg.
func New(reg *backend.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		isolation: model.IsolationAuto,
		broker:    NewEventBroker(),
		logger:    slog.New(slog.DiscardHandler),
		state:     model.EngineUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Broker returns the broker that publishes async execution events.
func (e *Engine) Broker() *EventBroker { return e.broker }

// Store returns the execution store, or nil.
func (e *Engine) Store() store.Store { return e.store }

// Registry returns the backend registry.
func (e *Engine) Registry() *backend.Registry { return e.registry }

// Status is a snapshot of the engine's lifecycle.
type Status struct {
	State     string   `json:"state"`
	Backend   string   `json:"backend,omitempty"`
	Isolation string   `json:"isolation"`
	Isolated  bool     `json:"isolated"`
	Failed    []string `json:"failed_packages,omitempty"`
	Error     string   `json:"error,omitempty"`
	Queued    int      `json:"queued"`
}

// State returns the current lifecycle state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Backend returns the name of the active backend, or "" when none is running.
func (e *Engine) Backend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backendName
}

// Status returns a snapshot of the engine's lifecycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:     e.state,
		Backend:   e.backendName,
		Isolation: e.isolation,
		Failed:    e.lastInit.Failed,
		Queued:    e.queue.waiting(),
	}
	if e.backend != nil {
		st.Isolated = e.backend.Capabilities().Isolated
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
	} else {
		st.Error = e.lastInit.Error
	}
	return st
}

// setState moves the engine to state. Callers hold e.mu.
func (e *Engine) setState(to string) {
	if e.state == to {
		return
	}
	if !model.ValidEngineTransition(e.state, to) {
		e.logger.Warn("unexpected engine transition", "from", e.state, "to", to)
	}
	e.logger.Debug("engine state", "from", e.state, "to", to)
	e.state = to
	observeState(to)
}

// Initialize starts the interpreter. It is idempotent: on a ready engine it
// returns the original result, and concurrent callers share one attempt (the
// package list of the first caller wins). A nil packages list uses the
// configured packages.
func (e *Engine) Initialize(ctx context.Context, packages []string) (backend.InitResult, error) {
	e.mu.Lock()
	switch e.state {
	case model.EngineReady:
		res := e.lastInit
		e.mu.Unlock()
		return res, nil
	case model.EngineFailed:
		err := e.lastErr
		e.mu.Unlock()
		return backend.InitResult{}, fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	gen := e.gen
	e.mu.Unlock()

	if packages == nil {
		packages = e.packages
	}

	ch := e.inits.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return e.initialize(gen, packages)
	})
	select {
	case res := <-ch:
		out, _ := res.Val.(backend.InitResult)
		return out, res.Err
	case <-ctx.Done():
		return backend.InitResult{}, ctx.Err()
	}
}

// initialize starts the primary backend, falling back to the degraded one
// when the primary cannot start. It runs detached from any caller context;
// backends bound their own startup.
func (e *Engine) initialize(gen uint64, packages []string) (backend.InitResult, error) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return backend.InitResult{}, ErrReset
	}
	if e.state == model.EngineReady {
		res := e.lastInit
		e.mu.Unlock()
		return res, nil
	}
	e.setState(model.EngineInitializing)
	e.mu.Unlock()

	ctx := context.Background()

	route, err := e.registry.Resolve(e.isolation)
	if err != nil {
		return backend.InitResult{Error: err.Error()}, e.fail(gen, fmt.Errorf("resolve backend: %w", err))
	}

	start := time.Now()
	b, name := route.NewPrimary(), route.Primary
	res, err := b.Start(ctx, packages)
	if err != nil {
		e.closeBackend(b, name)
		if fb := route.NewFallback(); fb != nil {
			e.logger.Warn("primary backend unavailable, starting fallback",
				"primary", route.Primary, "fallback", route.Fallback, "error", err)
			fallbacksTotal.Inc()
			b, name = fb, route.Fallback
			res, err = b.Start(ctx, packages)
			if err != nil {
				e.closeBackend(b, name)
			}
		}
	}
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res, e.fail(gen, err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		e.closeBackend(b, name)
		return backend.InitResult{}, ErrReset
	}
	e.backend = b
	e.backendName = name
	e.lastInit = res
	e.lastErr = nil
	e.setState(model.EngineReady)
	e.mu.Unlock()

	e.logger.Info("engine ready",
		"backend", name,
		"isolated", b.Capabilities().Isolated,
		"failed_packages", res.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// fail moves the engine to failed if gen is still current and returns err
// wrapped in ErrEngineFailed.
func (e *Engine) fail(gen uint64, err error) error {
	e.mu.Lock()
	if e.gen == gen {
		e.lastErr = err
		e.setState(model.EngineFailed)
	}
	e.mu.Unlock()
	e.logger.Error("engine failed", "error", err)
	return fmt.Errorf("%w: %v", ErrEngineFailed, err)
}

// transportFailed handles an unrecoverable call error on b: the engine fails
// and the backend is destroyed so no runaway interpreter remains.
func (e *Engine) transportFailed(gen uint64, b backend.Backend, err error) {
	e.mu.Lock()
	if e.gen != gen || e.backend != b {
		e.mu.Unlock()
		return
	}
	name := e.backendName
	e.backend = nil
	e.backendName = ""
	e.lastErr = err
	e.setState(model.EngineFailed)
	e.mu.Unlock()

	e.logger.Error("transport failure", "backend", name, "error", err)
	e.closeBackend(b, name)
}

func (e *Engine) closeBackend(b backend.Backend, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		e.logger.Warn("close backend", "backend", name, "error", err)
	}
}

// isTransportError reports whether err means the backend can no longer be
// trusted. A worker-reported protocol error leaves the session usable.
func isTransportError(err error) bool {
	var pe *session.ProtocolError
	return !errors.As(err, &pe)
}

// active returns the ready backend, initializing lazily if needed.
func (e *Engine) active(ctx context.Context) (backend.Backend, uint64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e.mu.Lock()
		switch {
		case e.state == model.EngineReady && e.backend != nil:
			b, gen := e.backend, e.gen
			e.mu.Unlock()
			return b, gen, nil
		case e.state == model.EngineFailed:
			err := e.lastErr
			e.mu.Unlock()
			return nil, 0, fmt.Errorf("%w: %v", ErrEngineFailed, err)
		}
		e.mu.Unlock()

		if _, err := e.Initialize(ctx, nil); err != nil {
			return nil, 0, err
		}
	}
	return nil, 0, ErrReset
}

// dispatch waits for the queue and runs fn against the active backend. fn runs
// detached from ctx: if ctx ends first the caller gets ctx.Err() but fn keeps
// the queue until it returns.
func dispatch[T any](ctx context.Context, e *Engine, fn func(backend.Backend) (T, error)) (T, string, error) {
	var zero T
	b, gen, err := e.active(ctx)
	if err != nil {
		return zero, "", err
	}

	if err := e.queue.acquire(ctx); err != nil {
		return zero, "", err
	}

	e.mu.Lock()
	if e.gen != gen || e.backend != b {
		e.mu.Unlock()
		e.queue.release()
		return zero, "", ErrReset
	}
	name := e.backendName
	e.mu.Unlock()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer e.queue.release()
		val, err := fn(b)
		if err != nil && isTransportError(err) {
			e.transportFailed(gen, b, err)
		}
		done <- outcome{val, err}
	}()

	select {
	case out := <-done:
		return out.val, name, out.err
	case <-ctx.Done():
		return zero, name, ctx.Err()
	}
}

// Execute runs code on the interpreter and returns the typed result. A guest
// failure is reported in ExecutionResult.Error with a nil error; a non-nil
// error means the call never produced a result.
func (e *Engine) Execute(ctx context.Context, code string, wrap bool) (model.ExecutionResult, error) {
	start := time.Now()
	var builder harness.Builder
	out, name, err := dispatch(ctx, e, func(b backend.Backend) (backend.RawOutput, error) {
		builder = b.Harness()
		return b.Execute(context.Background(), builder.Build(code, wrap))
	})
	if name != "" {
		executionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if name != "" {
			executionsTotal.WithLabelValues(name, outcomeTransportError).Inc()
		}
		return model.ExecutionResult{}, err
	}

	res := harness.Demux(out.Stdout, out.Stderr)
	outcome := outcomeOK
	if res.Failed() {
		outcome = outcomeGuestError
	}
	executionsTotal.WithLabelValues(name, outcome).Inc()
	e.logger.Debug("execute",
		"backend", name,
		"harness", builder.Name(),
		"wrap", wrap,
		"kind", res.Kind,
		"guest_error", res.Failed(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// InstallDependency installs one package into the running interpreter.
// Installation failure is reported in the result, not as an error.
func (e *Engine) InstallDependency(ctx context.Context, name string) (backend.InstallResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return backend.InstallResult{Error: "package name is required"}, nil
	}
	if strings.HasPrefix(name, "-") || strings.ContainsAny(name, " \t\n") {
		return backend.InstallResult{Error: fmt.Sprintf("invalid package name %q", name)}, nil
	}

	res, backendName, err := dispatch(ctx, e, func(b backend.Backend) (backend.InstallResult, error) {
		return b.Install(context.Background(), name)
	})
	if err != nil {
		return backend.InstallResult{}, err
	}
	e.logger.Info("install dependency", "backend", backendName, "package", name, "success", res.Success)
	return res, nil
}

// Reset destroys the interpreter and returns the engine to uninitialized.
// Pending calls are rejected, calls queued before the reset fail with
// ErrReset, and Reset returns once the queue has drained. It is the only way
// out of the failed state.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.gen++
	b, name, prev := e.backend, e.backendName, e.state
	e.backend = nil
	e.backendName = ""
	e.lastInit = backend.InitResult{}
	e.lastErr = nil
	e.setState(model.EngineUninitialized)
	e.mu.Unlock()

	resetsTotal.Inc()
	e.logger.Info("resetting engine", "from", prev, "backend", name)

	if b != nil {
		e.closeBackend(b, name)
	}

	// Wait for calls dispatched or queued before the reset to leave the queue.
	if err := e.queue.acquire(ctx); err != nil {
		return fmt.Errorf("wait for queue: %w", err)
	}
	e.queue.release()
	return nil
}

// Close waits for async executions and destroys the backend.
func (e *Engine) Close(ctx context.Context) error {
	e.wg.Wait()

	e.mu.Lock()
	e.gen++
	b, name := e.backend, e.backendName
	e.backend = nil
	e.backendName = ""
	e.setState(model.EngineUninitialized)
	e.mu.Unlock()

	if b != nil {
		if err := b.Close(ctx); err != nil {
			return fmt.Errorf("close backend %s: %w", name, err)
		}
	}
	return nil
}
