package session

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
)

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// frameHeadSize is how much of an oversized payload is kept to recover its ID.
const frameHeadSize = 256

// leadingID matches the id field both sides write first in every envelope.
var leadingID = regexp.MustCompile(`^\s*\{\s*"id"\s*:\s*"([^"\\]*)"`)

// Message types. Requests flow host→worker; ready is the only unsolicited
// worker→host message.
const (
	TypeInit    = "init"
	TypeExecute = "execute"
	TypeInstall = "install"
	TypeReset   = "reset"
	TypeReady   = "ready"
)

// Request is the envelope sent from host to worker.
type Request struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Response is the envelope sent from worker to host. The ready signal has no ID.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InitPayload carries the dependency list installed at session start.
type InitPayload struct {
	Packages []string `json:"packages"`
}

// InitResult reports worker readiness and the packages it could not provide.
type InitResult struct {
	Ready  bool     `json:"ready"`
	Failed []string `json:"failed,omitempty"`
}

// ExecutePayload carries the final source text to run.
type ExecutePayload struct {
	Code string `json:"code"`
}

// ExecuteResult holds the raw stdout and stderr buffers captured for one call.
type ExecuteResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// InstallPayload names a dependency to install.
type InstallPayload struct {
	Name string `json:"name"`
}

// InstallResult reports the outcome of an install request.
type InstallResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResetResult acknowledges a reset request.
type ResetResult struct {
	OK bool `json:"ok"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// readFrame reads one raw frame payload. An error here means the stream is
// unusable, except *FrameTooLargeError: the oversized payload is discarded and
// the next frame can be read. A payload that fails to decode afterwards does
// not break the stream either.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return nil, skipFrame(r, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// skipFrame consumes an oversized payload of length bytes and reports it as a
// *FrameTooLargeError carrying the request ID found at its head.
func skipFrame(r io.Reader, length uint32) error {
	head := make([]byte, min(int(length), frameHeadSize))
	if _, err := io.ReadFull(r, head); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if _, err := io.CopyN(io.Discard, r, int64(length)-int64(len(head))); err != nil {
		return fmt.Errorf("discard payload: %w", err)
	}

	tooLarge := &FrameTooLargeError{Size: length}
	if m := leadingID.FindSubmatch(head); m != nil {
		tooLarge.ID = string(m[1])
	}
	return tooLarge
}
