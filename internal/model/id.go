package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string. It is used for execution records and as
// the correlation id of every session request.
func NewID() string {
	return ulid.Make().String()
}
