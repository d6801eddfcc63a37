// Package backend defines the transport interface the execution engine drives,
// the raw result types exchanged with it, and the registry that decides which
// transport serves a given isolation mode.
package backend
