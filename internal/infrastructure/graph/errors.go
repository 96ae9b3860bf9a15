package graph

import (
	"errors"
	"fmt"
)

// GraphError is a status-bearing upstream failure: a non-retryable response
// or a retryable one whose retries were exhausted.
type GraphError struct {
	StatusCode int
	Message    string
	URL        string
	Body       string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph error %d: %s", e.StatusCode, e.Message)
}

// TransportError is a failure without an HTTP status: connection problems,
// unreadable bodies, invalid JSON, or transport retry exhaustion.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("graph transport error: %v (url=%s)", e.Err, e.URL)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HasStatus reports whether err is a GraphError carrying one of the given
// status codes.
func HasStatus(err error, statuses ...int) bool {
	var ge *GraphError
	if !errors.As(err, &ge) {
		return false
	}
	for _, s := range statuses {
		if ge.StatusCode == s {
			return true
		}
	}
	return false
}
