package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrInvalidRequest   = errors.New("invalid request")
)

// DispatchError wraps a messenger failure or timeout.
type DispatchError struct {
	Method string
	Queue  string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Method, e.Queue, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
