// Package apierr defines the typed failures shared by the sync server's
// services and its HTTP boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure by how a client should react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindNotFound
	KindIntegrity
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Retryable reports whether resending the same request later may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindInternal
}

// HTTPStatus maps a kind to the status code used on the wire.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error codes carried in error responses.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeAuthenticationFailed = "authentication_failed"
	CodeAgentNotFound        = "agent_not_found"
	CodeCertificateNotFound  = "certificate_not_found"
	CodeSubmissionNotFound   = "submission_not_found"
	CodeIntegrityError       = "integrity_error"
	CodeAgentDeactivated     = "agent_deactivated"
	CodeConflict             = "conflict"
	CodeTransient            = "transient"
	CodeInternal             = "internal_error"
)

// Error is a typed failure. Message is safe to show to the caller.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Reasons    []string
	RetryAfter time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, CodeInvalidRequest, format, args...)
}

func AuthenticationFailed(format string, args ...any) *Error {
	return newError(KindAuthentication, CodeAuthenticationFailed, format, args...)
}

func AgentNotFound(agentID string) *Error {
	return newError(KindNotFound, CodeAgentNotFound, "agent %s not found", agentID)
}

func CertificateNotFound(thumbprint string) *Error {
	return newError(KindNotFound, CodeCertificateNotFound, "certificate %s not found", thumbprint)
}

func SubmissionNotFound(id string) *Error {
	return newError(KindNotFound, CodeSubmissionNotFound, "submission %s not found", id)
}

func Integrity(format string, args ...any) *Error {
	return newError(KindIntegrity, CodeIntegrityError, format, args...)
}

func AgentDeactivated(agentID string) *Error {
	return newError(KindConflict, CodeAgentDeactivated, "agent %s is deactivated", agentID)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, CodeConflict, format, args...)
}

// Transient wraps a storage or network hiccup. retryAfter may be zero.
func Transient(err error, retryAfter time.Time, format string, args ...any) *Error {
	e := newError(KindTransient, CodeTransient, format, args...)
	e.Err = err
	e.RetryAfter = retryAfter
	return e
}

// Internal wraps an unexpected failure. The message never includes err.
func Internal(err error, message string) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// As returns the typed error in err's chain, if any.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	if typed, ok := As(err); ok {
		return typed.Kind
	}
	return KindInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}
