package session

import "time"

// Default deadlines. Startup covers interpreter boot and the ready handshake;
// the call deadline is sized for long-running user code, not RPC latency.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultCallTimeout    = 5 * time.Minute

	// gracefulShutdownTimeout is the time allowed for the worker to exit after
	// a reset request before it is killed.
	gracefulShutdownTimeout = 3 * time.Second
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest relay listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// DefaultPython is the interpreter binary used by the process launcher.
const DefaultPython = "python3"

// Session states.
const (
	StateUninitialized = "uninitialized"
	StateStarting      = "starting"
	StateReady         = "ready"
	StateFailed        = "failed"
	StateTerminated    = "terminated"
)
