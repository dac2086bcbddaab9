// Package regerrors defines the error taxonomy surfaced by the registry's
// core components and the HTTP status each kind maps to at the router
// boundary.
package regerrors

import (
	stderrors "errors"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error surfaced by a core component.
type Kind int

const (
	// Unknown is the zero value; Error.Unwrap callers should treat it like
	// StorageError when deciding retriability, but it should never be
	// constructed directly.
	Unknown Kind = iota
	NotFound
	AlreadyExists
	BadRequest
	ConflictError
	IndexCorruption
	StorageError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case BadRequest:
		return "BadRequest"
	case ConflictError:
		return "ConflictError"
	case IndexCorruption:
		return "IndexCorruption"
	case StorageError:
		return "StorageError"
	default:
		return "Unknown"
	}
}

// httpStatus maps each error Kind to the HTTP status that best represents
// it to API clients.
var httpStatus = map[Kind]int{
	NotFound:        http.StatusNotFound,
	AlreadyExists:   http.StatusConflict,
	BadRequest:      http.StatusBadRequest,
	ConflictError:   http.StatusConflict,
	IndexCorruption: http.StatusInternalServerError,
	StorageError:    http.StatusInternalServerError,
}

// Retriable reports whether a client may usefully retry an operation that
// failed with kind k. Only transient storage failures are retriable; the
// other kinds reflect the request itself and won't change on retry.
func (k Kind) Retriable() bool {
	return k == StorageError
}

// HTTPStatus returns the status code an error of kind k maps to at the
// router boundary, defaulting to 500 for the zero Kind.
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error wraps an underlying cause with a Kind, letting handlers classify it
// without string-matching error messages.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a *Error of the given kind wrapping a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap constructs a *Error of the given kind wrapping err with context. If
// err is nil, Wrap returns nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// KindOf extracts the Kind of err, walking Unwrap chains. Errors not
// produced by this package report StorageError, since an un-classified
// internal failure is treated as an opaque, retriable storage failure
// rather than silently succeeding.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return StorageError
}

// HTTPStatus is a convenience wrapper around KindOf(err).HTTPStatus().
func HTTPStatus(err error) int {
	return KindOf(err).HTTPStatus()
}
