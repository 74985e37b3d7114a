package model

import (
	"errors"
	"fmt"
)

// Error codes carried in ErrorEnvelope.Code.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"

	// A datasource failed or did not answer.
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"

	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionClosed   = "SESSION_CLOSED"
	ErrSessionLimit    = "SESSION_LIMIT"
	ErrUnknownAction   = "UNKNOWN_ACTION"
)

// ErrorEnvelope is the body of every failed API call. Messages are safe to
// show to end users; datasource details never reach them.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// FieldError points at one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Errorf builds an envelope with a formatted message.
func Errorf(code, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the envelope wrapped by err, or "" when err
// carries none.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return Errorf(ErrBadRequest, "%s", msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return Errorf(ErrUnauthorized, "%s", msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return Errorf(ErrForbidden, "%s", msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return Errorf(ErrNotFound, "%s", msg) }

// NewValidationError reports rejected request fields.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := Errorf(ErrValidationError, "One or more fields are invalid")
	e.Details = details
	return e
}

// NewInternalError hides an unexpected failure behind a generic message.
func NewInternalError() *ErrorEnvelope {
	return Errorf(ErrInternalError, "An unexpected error occurred")
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return Errorf(ErrBackendUnavailable, "The table's data source is temporarily unavailable")
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return Errorf(ErrBackendTimeout, "The table's data source did not respond in time")
}

func NewSessionNotFoundError(sessionID string) *ErrorEnvelope {
	return Errorf(ErrSessionNotFound, "table session %q not found", sessionID)
}

func NewSessionClosedError(sessionID string) *ErrorEnvelope {
	return Errorf(ErrSessionClosed, "table session %q has been closed", sessionID)
}

func NewUnknownActionError(action string) *ErrorEnvelope {
	return Errorf(ErrUnknownAction, "unknown table action %q", action)
}

// NewSessionLimitError reports that the caller already holds limit open
// sessions.
func NewSessionLimitError(limit int) *ErrorEnvelope {
	return Errorf(ErrSessionLimit, "at most %d open table sessions are allowed", limit)
}
