// Package errors carries the application error model: an HTTP-mapped code,
// a stable machine-readable reason, a human message and optional metadata.
// Services declare sentinel errors with the constructors below and decorate
// them per call site with WithCause/WithMetadata; the transport layer maps
// Code to the wire status.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// UnknownCode is the HTTP code reported for errors that are not
	// ApplicationErrors.
	UnknownCode = http.StatusInternalServerError
	// UnknownReason is the reason reported for non-application errors.
	UnknownReason = "INTERNAL_ERROR"
)

type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches on (Code, Reason) so that sentinel errors survive the
// WithCause/WithMetadata clones.
func (e *ApplicationError) Is(err error) bool {
	if se := new(ApplicationError); errors.As(err, &se) {
		return se.Code == e.Code && se.Reason == e.Reason
	}
	return false
}

// WithCause returns a copy carrying err as the wrapped cause. The receiver
// (usually a package-level sentinel) is never mutated.
func (e *ApplicationError) WithCause(err error) *ApplicationError {
	out := e.clone()
	out.cause = err
	return out
}

// WithMetadata returns a copy with md merged over existing metadata.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	out := e.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		out.Metadata[k] = v
	}
	return out
}

func (e *ApplicationError) clone() *ApplicationError {
	out := &ApplicationError{
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
		cause:   e.cause,
	}
	if len(e.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Code: code, Reason: reason, Message: message}
}

func Newf(code int, reason, format string, args ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, args...))
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

func BadGateway(reason, message string) *ApplicationError {
	return New(http.StatusBadGateway, reason, message)
}

// Code reports the HTTP code carried by err, 200 for nil and 500 for
// non-application errors.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason reports the stable reason string carried by err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Reason
}

// FromError coerces any error into an *ApplicationError, wrapping foreign
// errors as UNKNOWN/500 with the original as cause.
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	if se := new(ApplicationError); errors.As(err, &se) {
		return se
	}
	return New(UnknownCode, UnknownReason, err.Error()).WithCause(err)
}
