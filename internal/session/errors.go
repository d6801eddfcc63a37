package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport-level failures. Guest code failures are never
// reported through these.
var (
	// ErrNotReady is returned when a request is sent before the handshake completed
	// or after the session stopped.
	ErrNotReady = errors.New("session not ready")

	// ErrStartupTimeout is returned when the worker does not signal ready in time.
	ErrStartupTimeout = errors.New("session startup timed out")

	// ErrCallTimeout is returned when a request is not answered before its deadline.
	ErrCallTimeout = errors.New("session call timed out")

	// ErrSessionDied is returned when the channel to the worker breaks.
	ErrSessionDied = errors.New("session channel closed unexpectedly")

	// ErrSessionTerminated is returned for calls still pending when the session is terminated.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrMessageTooLarge is returned for a frame larger than MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// ProtocolError reports a response the worker marked as an error, or one whose
// result could not be decoded.
type ProtocolError struct {
	ID      string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (request %s): %s", e.ID, e.Message)
}

// FrameTooLargeError reports an incoming frame whose declared length exceeds
// MaxMessageSize. Its payload has been consumed, so the stream stays aligned.
// ID is the request ID read from the head of the payload, if any.
type FrameTooLargeError struct {
	Size uint32
	ID   string
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("message size %d exceeds maximum %d", e.Size, MaxMessageSize)
}

func (e *FrameTooLargeError) Unwrap() error { return ErrMessageTooLarge }
