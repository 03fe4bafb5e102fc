package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned (wrapped) by every Client method. Callers test
// with errors.Is.
var (
	// ErrNetwork is a transient failure: transport error, timeout or 5xx.
	ErrNetwork = errors.New("network error")
	// ErrAlreadyAssigned means another agent claimed the session first.
	ErrAlreadyAssigned = errors.New("session already assigned")
	// ErrSessionClosed means the session has ended and accepts no mutations.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound means the server does not know the session.
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError reports a malformed request payload. Field names the
// offending input when the server says which one it was.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// StatusError carries the HTTP status behind a classified failure.
type StatusError struct {
	Code    int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (http %d)", e.kind, e.Code)
	}
	return fmt.Sprintf("%s (http %d): %s", e.kind, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

// errorBody is the hub's error envelope.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

// statusToError maps a non-2xx response to the error taxonomy.
func statusToError(code int, body errorBody) error {
	switch {
	case code == http.StatusConflict:
		return &StatusError{Code: code, Message: body.Error, kind: ErrAlreadyAssigned}
	case code == http.StatusGone:
		return &StatusError{Code: code, Message: body.Error, kind: ErrSessionClosed}
	case code == http.StatusNotFound:
		return &StatusError{Code: code, Message: body.Error, kind: ErrSessionNotFound}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(code)
		}
		return &ValidationError{Field: body.Field, Message: msg}
	case code == http.StatusTooManyRequests || code >= 500:
		return &StatusError{Code: code, Message: body.Error, kind: ErrNetwork}
	default:
		return &StatusError{Code: code, Message: body.Error, kind: fmt.Errorf("unexpected status %d", code)}
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
