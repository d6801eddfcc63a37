package backend

import (
	"context"

	"github.com/seantiz/cellrun/internal/harness"
)

// Backend is one interpreter session reached through some transport. A
// Backend is started once and closed once; the engine creates a fresh one
// after every reset. Calls are serialized by the engine.
type Backend interface {
	// Start brings the interpreter up and makes packages available. A package
	// that cannot be provided is reported in InitResult.Failed, not as an error.
	Start(ctx context.Context, packages []string) (InitResult, error)

	// Execute runs final source text and returns the raw captured buffers.
	// Guest failures are reported in Stderr; an error means the transport failed.
	Execute(ctx context.Context, code string) (RawOutput, error)

	// Install makes one more dependency available to the interpreter.
	Install(ctx context.Context, name string) (InstallResult, error)

	// Close destroys the interpreter session, failing any call in flight.
	Close(ctx context.Context) error

	// Harness returns the code builder matching this interpreter.
	Harness() harness.Builder

	// Capabilities reports what this backend provides.
	Capabilities() Capabilities
}

// InitResult reports the outcome of starting a backend.
type InitResult struct {
	Ready   bool     `json:"ready"`
	Backend string   `json:"backend,omitempty"`
	Error   string   `json:"error,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// RawOutput holds the buffers captured for one execute call.
type RawOutput struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int    `json:"duration_ms"`
}

// InstallResult reports the outcome of a dependency installation.
type InstallResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name      string `json:"name"`
	Isolation string `json:"isolation"`
	Isolated  bool   `json:"isolated"`
	Harness   string `json:"harness"`
	Install   bool   `json:"install"`
}
