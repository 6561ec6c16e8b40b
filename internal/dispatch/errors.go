package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoRelays is returned when a run is requested with an empty relay pool.
var ErrNoRelays = errors.New("no relays configured")

// ErrMissingFields is returned when the message or recipient list is missing.
var ErrMissingFields = errors.New("missing required fields")

// ValidationError reports a request rejected before any side effect.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid dispatch request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failure to write the backlog. Recipients that
// were not delivered in the run may be lost when this happens.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to persist backlog: %v", e.Err)
	}
	return fmt.Sprintf("failed to persist backlog to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
