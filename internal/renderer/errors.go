package renderer

import "fmt"

// TransportError is a failure to get a usable HTTP response from the backend:
// connection errors, timeouts and non-2xx statuses.
type TransportError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("renderer %s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BackendFormatError means the backend answered but the response lacks a required field.
type BackendFormatError struct {
	Kind   Kind
	Reason string
}

func (e *BackendFormatError) Error() string {
	return fmt.Sprintf("renderer %s: malformed response: %s", e.Kind, e.Reason)
}
