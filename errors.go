package marketsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrInFlight is returned when the same action is already waiting on the
	// server.
	ErrInFlight = errors.New("action already in flight")
	// ErrNotCached is returned when a mutation targets a resource that was
	// never loaded.
	ErrNotCached = errors.New("resource not in cache")
	// ErrNotFound marks a poll that stopped because its subject is gone.
	ErrNotFound = errors.New("subject not found")
	// ErrClosed is returned by views and tasks used after teardown.
	ErrClosed = errors.New("closed")
)

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
}

// NetworkError means the request never completed.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a locally detected problem. No optimistic record is
// created for it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
