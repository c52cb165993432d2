// Package apierr defines the typed error kinds surfaced across the inbound
// API, translated to the {error: {code, message}} envelope at the edge.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status-code mapping and client handling.
type Kind string

const (
	KindBadInput       Kind = "bad_input"
	KindUnauthorized   Kind = "unauthorized_by_upstream"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindUpstreamNetwork Kind = "upstream_network"
	KindInternal       Kind = "internal"
)

// Error is a typed error carrying a Kind, an HTTP status, and a message
// safe to return to a caller. It never carries a stack trace.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with the default status for that
// kind, unless status is overridden with WithStatus.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: message}
}

// Wrap builds an Error of the given kind, preserving cause for unwrapping.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: defaultStatus(kind), Message: message, cause: cause}
}

// WithStatus overrides the HTTP status, used for unauthorized_by_upstream
// which surfaces the upstream's own status code.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func defaultStatus(kind Kind) int {
	switch kind {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// BadInput is a convenience constructor for the most common validation
// failures raised at the edge, before any side effect.
func BadInput(format string, args ...any) *Error {
	return New(KindBadInput, fmt.Sprintf(format, args...))
}

// NotFound is a convenience constructor.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflict is a convenience constructor, e.g. duplicate watchlist entry.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Internal wraps an unexpected error as a KindInternal Error without
// leaking its message verbatim to the caller.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Envelope is the wire shape returned to API callers on failure.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody carries the integer status code and an optional message.
type EnvelopeBody struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// ToEnvelope converts any error into the wire envelope, defaulting to
// KindInternal when err is not an *Error.
func ToEnvelope(err error) (int, Envelope) {
	if e, ok := As(err); ok {
		return e.Status, Envelope{Error: EnvelopeBody{Code: e.Status, Message: e.Message}}
	}
	return http.StatusInternalServerError, Envelope{Error: EnvelopeBody{Code: http.StatusInternalServerError, Message: "internal error"}}
}
