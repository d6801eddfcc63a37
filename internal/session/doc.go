// Package session owns one isolated interpreter session: it launches the
// session worker, waits for its ready handshake, and correlates framed
// request/response messages exchanged with it.
package session
