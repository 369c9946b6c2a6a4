package vms

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks bad builder input: empty platform, unknown action,
	// a spec that does not match its action, or an unsupported version.
	ErrConfiguration = errors.New("vms configuration error")

	// ErrMalformedResponse marks vmsctl output the parser cannot accept.
	ErrMalformedResponse = errors.New("malformed vmsctl response")
)

// UnsupportedVersionError is returned by Resolve for an unregistered version.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported vms version %q", e.Version)
}

// Is lets callers treat an unknown version as a configuration error.
func (e *UnsupportedVersionError) Is(target error) bool {
	return target == ErrConfiguration
}

// ExecutionError reports a failed or non-zero vmsctl invocation.
type ExecutionError struct {
	Program  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil && e.ExitCode < 0 {
		return fmt.Sprintf("%s: %v", e.Program, e.Err)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Program, e.ExitCode, e.Stderr)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
