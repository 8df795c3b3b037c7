package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for clients. Kinds double as the
// stable "code" field of the HTTP error envelope.
type ErrorKind string

const (
	KindAuthMissing        ErrorKind = "AuthMissing"
	KindAuthInvalid        ErrorKind = "AuthInvalid"
	KindForbidden          ErrorKind = "Forbidden"
	KindNotFound           ErrorKind = "NotFound"
	KindValidation         ErrorKind = "ValidationError"
	KindIllegalTransition  ErrorKind = "IllegalTransition"
	KindConflict           ErrorKind = "Conflict"
	KindPayloadTooLarge    ErrorKind = "PayloadTooLarge"
	KindServiceUnavailable ErrorKind = "ServiceUnavailable"
	KindInternal           ErrorKind = "Internal"
)

// HTTPStatus maps a kind to its response status code. Missing and
// invalid credentials intentionally share 401 so callers cannot
// distinguish them.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthMissing, KindAuthInvalid:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindIllegalTransition, KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error carried between the repository, the
// engines and the HTTP layer. Handlers map it to the response envelope
// in exactly one place.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause that errors.Unwrap can reach. The cause
// text never leaks into the client-facing message.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the kind from any error chain; unclassified errors
// report KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrNotFound builds the canonical unknown-id error. The entity name
// stays generic so 404 bodies look identical across endpoints.
func ErrNotFound() *Error {
	return NewError(KindNotFound, "not found")
}

// ErrIllegalTransition builds the repository-level rejection for a
// state-machine violation.
func ErrIllegalTransition(from, to BuildStatus) *Error {
	return Errorf(KindIllegalTransition, "cannot transition build from %s to %s", from, to)
}
