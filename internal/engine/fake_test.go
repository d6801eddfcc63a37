package engine_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

// fakeEnv is shared by every fakeBackend one factory creates.
type fakeEnv struct {
	startErr   error
	startDelay time.Duration
	starts     atomic.Int32
	closes     atomic.Int32
	running    atomic.Int32
	overlapped atomic.Bool
}

func (env *fakeEnv) factory() backend.Factory {
	return func() backend.Backend {
		return &fakeBackend{env: env, vars: map[string]string{}, closed: make(chan struct{})}
	}
}

// fakeBackend interprets a tiny command language, one command per call:
//
//	set k v    store a variable
//	get k      print a variable
//	echo s     print s
//	sleep ms   block for ms milliseconds
//	raise      write a traceback to stderr
//	die        fail with a transport error
//	flood      fail with an oversized response
type fakeBackend struct {
	env *fakeEnv

	mu   sync.Mutex
	vars map[string]string

	closeOnce sync.Once
	closed    chan struct{}
}

func (f *fakeBackend) Start(ctx context.Context, packages []string) (backend.InitResult, error) {
	f.env.starts.Add(1)
	if f.env.startDelay > 0 {
		time.Sleep(f.env.startDelay)
	}
	if f.env.startErr != nil {
		return backend.InitResult{}, f.env.startErr
	}
	return backend.InitResult{Ready: true, Backend: "fake"}, nil
}

func (f *fakeBackend) Execute(ctx context.Context, code string) (backend.RawOutput, error) {
	if f.env.running.Add(1) > 1 {
		f.env.overlapped.Store(true)
	}
	defer f.env.running.Add(-1)

	select {
	case <-f.closed:
		return backend.RawOutput{}, session.ErrSessionTerminated
	default:
	}

	cmd, arg, _ := strings.Cut(code, " ")
	var out backend.RawOutput
	switch cmd {
	case "set":
		k, v, _ := strings.Cut(arg, " ")
		f.mu.Lock()
		f.vars[k] = v
		f.mu.Unlock()
	case "get":
		f.mu.Lock()
		out.Stdout = f.vars[arg] + "\n"
		f.mu.Unlock()
	case "echo":
		out.Stdout = arg + "\n"
	case "sleep":
		ms, _ := strconv.Atoi(arg)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-f.closed:
			return backend.RawOutput{}, session.ErrSessionTerminated
		}
		out.Stdout = "slept\n"
	case "raise":
		out.Stderr = "Traceback (most recent call last):\nValueError: boom\n"
	case "flood":
		return backend.RawOutput{}, &session.ProtocolError{ID: "1", Message: "response message size 17825889 exceeds maximum 16777216"}
	case "die":
		return backend.RawOutput{}, errors.New("session channel closed unexpectedly: EOF")
	}
	return out, nil
}

func (f *fakeBackend) Install(ctx context.Context, name string) (backend.InstallResult, error) {
	if name == "missing" {
		return backend.InstallResult{Error: "no matching distribution"}, nil
	}
	return backend.InstallResult{Success: true}, nil
}

func (f *fakeBackend) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.env.closes.Add(1)
		close(f.closed)
	})
	return nil
}

func (f *fakeBackend) Harness() harness.Builder { return harness.Plain{} }

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake", Isolation: model.IsolationProcess, Isolated: true, Harness: "plain"}
}
