package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel failure kinds returned by API implementations.
var (
	// ErrNotFound indicates the entity does not exist remotely.
	ErrNotFound = errors.New("entity not found")

	// ErrValidation indicates the server rejected the payload.
	ErrValidation = errors.New("validation rejected")

	// ErrConflict indicates the server refused the write due to a conflicting state.
	ErrConflict = errors.New("remote conflict")

	// ErrNetwork indicates the request did not reach the server or timed out.
	ErrNetwork = errors.New("network error")

	// ErrServer indicates a 5xx or throttling response.
	ErrServer = errors.New("server error")

	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is a typed remote failure.
type Error struct {
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// FromStatus maps an HTTP status code to a typed Error.
func FromStatus(status int, message string) *Error {
	var kind error
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		kind = ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthorized
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		kind = ErrConflict
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		kind = ErrServer
	default:
		kind = ErrValidation
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// IsTransient reports whether an operation that failed with err may succeed
// when retried unchanged. Validation, conflict and not-found failures are
// permanent; unclassified errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound)
}
