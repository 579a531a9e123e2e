package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("realtime: API key is required")

	// ErrMissingModel indicates no realtime model was configured.
	ErrMissingModel = errors.New("realtime: model is required")

	// ErrNotConnected indicates the bridge has no open upstream connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrConnectTimeout indicates the upstream did not open in time.
	ErrConnectTimeout = errors.New("realtime: timed out waiting for connection")

	// ErrClosed indicates the bridge was closed.
	ErrClosed = errors.New("realtime: bridge closed")
)

// ConnectionError represents a failure to open or keep the upstream socket.
type ConnectionError struct {
	// Reason describes why the connection failed.
	Reason string

	// StatusCode is the HTTP status of a failed handshake, if any.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("realtime: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("realtime: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a later attempt could succeed.
func (e *ConnectionError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, status int, cause error) *ConnectionError {
	return &ConnectionError{Reason: reason, StatusCode: status, Cause: cause}
}

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) || errors.Is(err, ErrConnectTimeout)
}
