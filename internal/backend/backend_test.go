package backend_test

import (
	"context"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/harness"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name      string
	isolation string
}

func (s *stubBackend) Start(context.Context, []string) (backend.InitResult, error) {
	return backend.InitResult{Ready: true, Backend: s.name}, nil
}

func (s *stubBackend) Execute(context.Context, string) (backend.RawOutput, error) {
	return backend.RawOutput{}, nil
}

func (s *stubBackend) Install(context.Context, string) (backend.InstallResult, error) {
	return backend.InstallResult{Success: true}, nil
}

func (s *stubBackend) Close(context.Context) error { return nil }

func (s *stubBackend) Harness() harness.Builder { return harness.Plain{} }

func (s *stubBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      s.name,
		Isolation: s.isolation,
		Isolated:  s.isolation != "inprocess",
		Harness:   "plain",
	}
}

// Compile-time check that stubBackend satisfies the Backend interface.
var _ backend.Backend = (*stubBackend)(nil)

func stubFactory(name, isolation string) backend.Factory {
	return func() backend.Backend {
		return &stubBackend{name: name, isolation: isolation}
	}
}
