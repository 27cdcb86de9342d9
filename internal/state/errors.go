package state

import "errors"

var (
	// ErrNotConnected means the store is unavailable; callers degrade to
	// no-op rather than fail the triggering flow.
	ErrNotConnected = errors.New("state: database not connected")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("state: not found")
)
