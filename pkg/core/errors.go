// Package core holds the shared error taxonomy for the live tutor engine.
package core

import (
	"errors"
	"fmt"
)

// Error is a user-surfaceable engine error. Message is always suitable for
// direct display as a session status line.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest    ErrorType = "invalid_request_error"
	ErrPermissionDenied  ErrorType = "permission_denied_error"
	ErrMissingCredential ErrorType = "missing_credential_error"
	ErrUnsupportedLesson ErrorType = "unsupported_lesson_error"
	ErrTransport         ErrorType = "transport_error"
	ErrDecode            ErrorType = "decode_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewPermissionDeniedError creates a microphone/hardware permission error.
func NewPermissionDeniedError(message string) *Error {
	return &Error{Type: ErrPermissionDenied, Message: message}
}

// NewMissingCredentialError creates an error for an absent API key.
func NewMissingCredentialError(message string) *Error {
	return &Error{Type: ErrMissingCredential, Message: message}
}

// NewUnsupportedLessonError creates an error for a lesson without a tutor script.
func NewUnsupportedLessonError(lessonID string) *Error {
	return &Error{
		Type:    ErrUnsupportedLesson,
		Message: fmt.Sprintf("no tutor script is defined for lesson %q", lessonID),
	}
}

// NewTransportError creates a live connection error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewTransportErrorf wraps an underlying failure as a transport error.
func NewTransportErrorf(format string, args ...any) *Error {
	return &Error{Type: ErrTransport, Message: fmt.Sprintf(format, args...)}
}

// NewDecodeError creates an error for a malformed inbound audio payload.
// Decode failures are dropped per-chunk rather than surfaced to the user.
func NewDecodeError(message string) *Error {
	return &Error{Type: ErrDecode, Message: message}
}

// IsType reports whether err is (or wraps) a core Error of the given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
