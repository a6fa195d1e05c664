package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used to identify cycles, engine handles
// and OS task tokens. ULIDs sort by creation time, which keeps log output and
// task listings in launch order.
func NewID() string {
	return ulid.Make().String()
}
