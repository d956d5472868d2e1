package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRemoteUnreachable covers network failures, timeouts, 5xx, 429 and an open breaker.
	// Callers fall back to the local cache or the sync queue.
	ErrRemoteUnreachable = errors.New("remote authority unreachable")
	// ErrRemoteRejected means the authority answered and refused the request.
	// Retrying the same request will not help.
	ErrRemoteRejected = errors.New("remote authority rejected request")
)

// Error describes a failed authority call
type Error struct {
	Op      string
	Status  int
	Message string
	kind    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.kind
}

func unreachable(op string, status int, message string) *Error {
	return &Error{Op: op, Status: status, Message: message, kind: ErrRemoteUnreachable}
}

func rejected(op string, status int, message string) *Error {
	return &Error{Op: op, Status: status, Message: message, kind: ErrRemoteRejected}
}

// statusError maps a non-2xx response to an Error
func statusError(op string, status int, message string) *Error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return unreachable(op, status, message)
	default:
		return rejected(op, status, message)
	}
}

// IsUnreachable reports whether err means the authority could not be reached
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable)
}

// IsRejected reports whether the authority refused the request
func IsRejected(err error) bool {
	return errors.Is(err, ErrRemoteRejected)
}

// NewError classifies a failed response by its HTTP status
func NewError(op string, status int, message string) *Error {
	return statusError(op, status, message)
}

// NewUnreachable builds the error for a call that got no response
func NewUnreachable(op, message string) *Error {
	return unreachable(op, 0, message)
}
