package model

// Engine lifecycle states.
const (
	EngineUninitialized = "uninitialized"
	EngineInitializing  = "initializing"
	EngineReady         = "ready"
	EngineFailed        = "failed"
)

// engineTransitions lists the allowed engine state changes. Any state may move
// to failed; only a reset leaves failed.
var engineTransitions = map[string]map[string]bool{
	EngineUninitialized: {
		EngineInitializing: true,
		EngineFailed:       true,
	},
	EngineInitializing: {
		EngineReady:         true,
		EngineUninitialized: true,
		EngineFailed:        true,
	},
	EngineReady: {
		EngineUninitialized: true,
		EngineFailed:        true,
	},
	EngineFailed: {
		EngineUninitialized: true,
		EngineFailed:        true,
	},
}

// ValidEngineTransition reports whether the engine may move from one state to another.
func ValidEngineTransition(from, to string) bool {
	return engineTransitions[from][to]
}

// Isolation modes. Auto picks the strongest registered isolation and keeps
// the in-process interpreter as the degraded fallback.
const (
	IsolationAuto        = "auto"
	IsolationFirecracker = "firecracker"
	IsolationVsock       = "vsock"
	IsolationProcess     = "process"
	IsolationInProcess   = "inprocess"
)

// ValidIsolation reports whether mode names a known isolation mode.
func ValidIsolation(mode string) bool {
	switch mode {
	case IsolationAuto, IsolationFirecracker, IsolationVsock, IsolationProcess, IsolationInProcess:
		return true
	}
	return false
}
