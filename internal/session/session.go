package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/cellrun/internal/model"
)

// resetWriteTimeout bounds the best-effort reset frame sent on Terminate.
const resetWriteTimeout = 500 * time.Millisecond

// Session is one isolated interpreter session. All methods are safe for
// concurrent use; requests may be in flight concurrently and are matched to
// responses by ID.
type Session struct {
	id       string
	launcher Launcher
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	state  string
	conn   Conn
	routed chan struct{} // closed when the router goroutine exits

	writeMu sync.Mutex
	pending *pendingTable
	starts  singleflight.Group
}

// New creates a session that will use launcher to create its worker.
func New(launcher Launcher, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := model.NewID()
	return &Session{
		id:       id,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("session_id", id, "launcher", launcher.Name()),
		state:    StateUninitialized,
		pending:  newPendingTable(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of requests awaiting a response.
func (s *Session) Pending() int { return s.pending.Len() }

// Start launches the worker and waits for its ready signal. Concurrent callers
// share one startup attempt; calling Start on a ready session is a no-op.
// Startup is bounded by the configured startup timeout regardless of ctx, and
// keeps running for other waiters if ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateFailed, StateTerminated:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	s.mu.Unlock()

	ch := s.starts.DoChan("start", func() (any, error) {
		return nil, s.start()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) start() error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		st := s.state
		s.mu.Unlock()
		if st == StateReady {
			return nil
		}
		return fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	s.state = StateStarting
	s.mu.Unlock()

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()

	s.logger.Info("starting session", "startup_timeout", s.cfg.StartupTimeout)

	conn, err := s.launcher.Launch(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrStartupTimeout, err)
		}
		return s.failStart(fmt.Errorf("launch worker: %w", err))
	}

	ready := make(chan struct{})
	routed := make(chan struct{})

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionTerminated
	}
	s.conn = conn
	s.routed = routed
	s.mu.Unlock()

	go s.route(conn, ready, routed)

	select {
	case <-ready:
	case <-routed:
		return s.failStart(fmt.Errorf("%w before ready", ErrSessionDied))
	case <-ctx.Done():
		conn.Close()
		return s.failStart(fmt.Errorf("%w after %s", ErrStartupTimeout, s.cfg.StartupTimeout))
	}

	s.mu.Lock()
	if s.state != StateStarting {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	s.state = StateReady
	s.mu.Unlock()

	elapsed := time.Since(startTime)
	sessionStartDuration.Observe(elapsed.Seconds())
	sessionStartsTotal.WithLabelValues("ok").Inc()
	activeSessions.Inc()
	s.logger.Info("session ready", "duration_ms", elapsed.Milliseconds())
	return nil
}

// failStart records a failed startup attempt.
func (s *Session) failStart(err error) error {
	result := "error"
	if errors.Is(err, ErrStartupTimeout) {
		result = "timeout"
	}
	sessionStartsTotal.WithLabelValues(result).Inc()

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateFailed
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	s.logger.Error("session start failed", "error", err)
	return err
}

// route reads frames until the channel breaks and dispatches each response to
// its pending call. Malformed frames and responses for unknown IDs are dropped.
func (s *Session) route(conn Conn, ready, routed chan struct{}) {
	defer close(routed)
	var readyOnce sync.Once

	for {
		data, err := readFrame(conn)
		if err != nil {
			var tooLarge *FrameTooLargeError
			if errors.As(err, &tooLarge) {
				s.dropOversized(tooLarge)
				continue
			}
			s.died(err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		if resp.ID == "" {
			if resp.Type == TypeReady {
				readyOnce.Do(func() { close(ready) })
				continue
			}
			s.logger.Warn("dropping uncorrelated message", "type", resp.Type)
			continue
		}

		if !s.pending.resolve(resp.ID, resp) {
			s.logger.Debug("dropping response for unknown request", "request_id", resp.ID)
		}
	}
}

// dropOversized fails the call an oversized response belonged to. The worker
// is still in step with the host, so the session stays ready.
func (s *Session) dropOversized(tooLarge *FrameTooLargeError) {
	s.logger.Warn("dropping oversized frame", "bytes", tooLarge.Size, "request_id", tooLarge.ID)
	if tooLarge.ID == "" {
		return
	}
	s.pending.reject(tooLarge.ID, &ProtocolError{ID: tooLarge.ID, Message: "response " + tooLarge.Error()})
}

// died handles loss of the worker channel. Pending calls fail with
// ErrSessionDied unless the session was deliberately terminated.
func (s *Session) died(cause error) {
	s.mu.Lock()
	prev := s.state
	if prev != StateTerminated {
		s.state = StateFailed
	}
	conn := s.conn
	s.mu.Unlock()

	if prev == StateTerminated {
		s.pending.rejectAll(ErrSessionTerminated)
		return
	}
	if prev == StateReady {
		activeSessions.Dec()
	}

	n := s.pending.rejectAll(fmt.Errorf("%w: %v", ErrSessionDied, cause))
	s.logger.Error("session channel closed", "error", cause, "state", prev, "rejected", n)
	if conn != nil {
		conn.Close()
	}
}

// Send writes a request of type typ and waits for the correlated response.
// A response marked as an error is returned as a *ProtocolError. If ctx ends
// first the call is abandoned and a late response is dropped.
func (s *Session) Send(ctx context.Context, typ string, payload any) (Response, error) {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return Response{}, fmt.Errorf("%w: session is %s", ErrNotReady, st)
	}
	conn := s.conn
	s.mu.Unlock()

	start := time.Now()
	id := model.NewID()
	done := s.pending.register(id, s.cfg.CallTimeout)

	s.writeMu.Lock()
	err := WriteMessage(conn, Request{ID: id, Type: typ, Payload: payload})
	s.writeMu.Unlock()
	switch {
	case errors.Is(err, ErrMessageTooLarge):
		// Nothing reached the wire.
		s.pending.reject(id, &ProtocolError{ID: id, Message: "request " + err.Error()})
	case err != nil:
		s.pending.reject(id, fmt.Errorf("%w: %v", ErrSessionDied, err))
	}

	var out callOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if s.pending.reject(id, ctx.Err()) {
			s.logger.Debug("call abandoned", "request_id", id, "type", typ, "error", ctx.Err())
		}
		out = <-done
	}

	callDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	switch {
	case out.err != nil:
		if errors.Is(out.err, ErrCallTimeout) {
			callsTotal.WithLabelValues(typ, outcomeTimeout).Inc()
			s.logger.Warn("call timed out", "request_id", id, "type", typ, "timeout", s.cfg.CallTimeout)
		} else {
			callsTotal.WithLabelValues(typ, outcomeError).Inc()
		}
		return Response{}, out.err
	case out.resp.Error != "":
		callsTotal.WithLabelValues(typ, outcomeError).Inc()
		return out.resp, &ProtocolError{ID: id, Message: out.resp.Error}
	}

	callsTotal.WithLabelValues(typ, outcomeOK).Inc()
	return out.resp, nil
}

// call sends a request and decodes its result into T.
func call[T any](ctx context.Context, s *Session, typ string, payload any) (T, error) {
	var result T
	resp, err := s.Send(ctx, typ, payload)
	if err != nil {
		return result, err
	}
	if len(resp.Result) == 0 {
		return result, &ProtocolError{ID: resp.ID, Message: "empty result"}
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return result, &ProtocolError{ID: resp.ID, Message: fmt.Sprintf("decode %s result: %v", typ, err)}
	}
	return result, nil
}

// Init asks the worker to make packages importable.
func (s *Session) Init(ctx context.Context, packages []string) (InitResult, error) {
	if packages == nil {
		packages = []string{}
	}
	return call[InitResult](ctx, s, TypeInit, InitPayload{Packages: packages})
}

// Execute runs code in the session's persistent namespace and returns the raw
// captured output. Guest code errors appear in Stderr, not as an error.
func (s *Session) Execute(ctx context.Context, code string) (ExecuteResult, error) {
	return call[ExecuteResult](ctx, s, TypeExecute, ExecutePayload{Code: code})
}

// Install asks the worker to install one dependency.
func (s *Session) Install(ctx context.Context, name string) (InstallResult, error) {
	return call[InstallResult](ctx, s, TypeInstall, InstallPayload{Name: name})
}

// Terminate fails all pending calls, asks the worker to reset, and destroys
// the channel. It is idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	if prev == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminated
	conn := s.conn
	routed := s.routed
	s.mu.Unlock()

	if prev == StateReady {
		activeSessions.Dec()
	}

	n := s.pending.rejectAll(ErrSessionTerminated)
	s.logger.Info("terminating session", "state", prev, "rejected", n)

	if conn == nil {
		return nil
	}

	if prev == StateReady {
		sent := make(chan struct{})
		go func() {
			defer close(sent)
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			if err := WriteMessage(conn, Request{ID: model.NewID(), Type: TypeReset}); err != nil {
				s.logger.Debug("send reset", "error", err)
			}
		}()
		select {
		case <-sent:
		case <-time.After(resetWriteTimeout):
		case <-ctx.Done():
		}
	}

	err := conn.Close()
	if routed != nil {
		select {
		case <-routed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
