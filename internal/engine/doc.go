// Package engine is the execution facade. It owns the active interpreter
// backend and its lifecycle state, serializes every call through a FIFO
// queue, wraps code with the backend's harness and demultiplexes the captured
// output into a typed result. Submit adds persisted, evented async execution
// on top.
package engine
