// Package harness wraps guest source so that text, figures and interactive
// documents all come back over the captured stdout stream, and splits that
// stream back into a typed result.
package harness

// Sentinels multiplexed onto stdout. The image marker prefixes a single line
// holding base64 PNG data; the document pair brackets a payload that may span
// lines.
const (
	ImagePrefix = "@@CELLRUN:IMAGE:8d1e4c@@:"
	DocBegin    = "@@CELLRUN:DOC:BEGIN:8d1e4c@@"
	DocEnd      = "@@CELLRUN:DOC:END:8d1e4c@@"
)

// CodeMarker is the comment line that ends the capture header in wrapped
// source. The worker runs the header separately and compiles what follows
// from line 1, so tracebacks point at the user's own line numbers.
const CodeMarker = "# @@CELLRUN:CODE:8d1e4c@@"

// Builder produces the final source text submitted to an interpreter.
type Builder interface {
	// Build returns code wrapped in capture instrumentation when wrap is true,
	// and code unchanged otherwise.
	Build(code string, wrap bool) string

	// Name identifies the builder.
	Name() string
}

// Plain is a Builder that never instruments code. It serves interpreters with
// no plotting or document libraries to intercept.
type Plain struct{}

// Build implements Builder.
func (Plain) Build(code string, wrap bool) string { return code }

// Name implements Builder.
func (Plain) Name() string { return "plain" }
