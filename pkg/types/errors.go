package types

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when no free port or display number is left.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrProcessStartup is returned when a supervised process never became ready.
	ErrProcessStartup = errors.New("process could not start")

	// ErrAlreadyRunning is returned when a task is requested while one is active.
	ErrAlreadyRunning = errors.New("task already running")

	// ErrInvalidConfig is returned for out-of-range configuration values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAdmissionRejected is returned when the registry is at capacity.
	// Callers should retry with backoff.
	ErrAdmissionRejected = errors.New("session admission rejected")

	// ErrNotFound is returned for unknown or already removed session ids.
	ErrNotFound = errors.New("session not found")

	// ErrDestroyed is returned by operations on a session whose removal completed.
	ErrDestroyed = errors.New("session destroyed")
)

// StartupError describes a supervised process that failed to come up.
type StartupError struct {
	Process string
	Port    int
	Err     error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s did not open port %d", e.Process, e.Port)
	}
	return fmt.Sprintf("%s did not open port %d: %v", e.Process, e.Port, e.Err)
}

// Unwrap lets errors.Is match both ErrProcessStartup and the cause.
func (e *StartupError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessStartup}
	}
	return []error{ErrProcessStartup, e.Err}
}
