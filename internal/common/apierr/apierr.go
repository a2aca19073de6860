// Package apierr defines the error kinds shared by the HTTP and WebSocket
// surfaces, together with their HTTP status mapping.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = iota

	// KindValidation covers malformed or out-of-range client input.
	KindValidation

	// KindNotFound covers missing sessions, files, or paths.
	KindNotFound

	// KindBusy means the target resource is mid-operation and rejected the request.
	KindBusy

	// KindTimeout means the operation exceeded its deadline.
	KindTimeout

	// KindPageDead means the active browser page was lost and recreated.
	KindPageDead

	// KindBrowserDead means the browser process itself is gone.
	KindBrowserDead
)

// Error is a classified error carrying a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it in the chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Busy creates a busy error.
func Busy(format string, args ...any) *Error {
	return New(KindBusy, format, args...)
}

// Timeout creates a timeout error.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// KindOf returns the classification of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the HTTP surface responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPageDead, KindBrowserDead:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-safe message for err. Unclassified errors get a
// generic message so internal details never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
