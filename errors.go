package remapd

import (
	"errors"
	"fmt"
)

// Common errors returned by supervisor operations
var (
	// ErrConnectionFailed indicates the engine socket could not be reached
	ErrConnectionFailed = errors.New("remapd: connection failed")

	// ErrTimeout indicates an operation exceeded its timeout
	ErrTimeout = errors.New("remapd: timeout")

	// ErrSuperseded indicates a newer request on the same client cancelled
	// this one
	ErrSuperseded = errors.New("remapd: request superseded")

	// ErrInvalidResponse indicates the engine reply could not be decoded
	ErrInvalidResponse = errors.New("remapd: invalid response")

	// ErrCapabilityMismatch indicates the engine protocol version is too old
	// or a required capability is missing
	ErrCapabilityMismatch = errors.New("remapd: capability mismatch")

	// ErrPayloadTooLarge indicates an outgoing payload exceeded the size gate
	ErrPayloadTooLarge = errors.New("remapd: payload too large")

	// ErrNotAuthenticated indicates a session-scoped operation was attempted
	// without a session
	ErrNotAuthenticated = errors.New("remapd: not authenticated")

	// ErrSessionExpired indicates the cached session is past its expiry
	ErrSessionExpired = errors.New("remapd: session expired")

	// ErrClosed indicates the client has been closed
	ErrClosed = errors.New("remapd: client closed")
)

// OpError represents an error from an engine protocol operation
type OpError struct {
	// Op is the wire message tag of the operation that failed
	Op string
	// Addr is the engine address involved
	Addr string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("remapd %s %q: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations such as
// conflict termination
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError
// itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
