package engine

import "errors"

var (
	// ErrEngineFailed is returned while the engine is in the failed state.
	// Only Reset recovers from it.
	ErrEngineFailed = errors.New("engine failed")

	// ErrReset is returned for calls that were queued or starting when the
	// engine was reset.
	ErrReset = errors.New("engine was reset")

	// ErrNoStore is returned by Submit when the engine has no store.
	ErrNoStore = errors.New("engine has no execution store")
)
