// Package apperr classifies the error kinds FeatureHub's components return,
// per spec.md §7. It is grounded on the teacher's classified-error pattern
// (originally pkg/errors/classified_errors.go) but trimmed to the six kinds
// the specification names and carries an HTTP status mapping instead of a
// generic retry-strategy calculator, since retry here is sweep-driven, not
// request-path (spec.md §7 propagation policy).
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the closed set of error classifications from spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindTimeout
	KindBackendUnavailable
	KindConflict
	KindValidation
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindTimeout:
		return "Timeout"
	case KindBackendUnavailable:
		return "BackendUnavailable"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "Validation"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// HTTPStatus maps a Kind to the status code spec.md §7 assigns it.
// Callers that need a different mapping for a specific endpoint (e.g. reads
// return 200 with found=false rather than 404) decide that at the handler,
// not here.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a FeatureHub error carrying a classification and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "router.Get"
	Key     string // feature key involved, if any
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s [%s] (key=%s)", e.Op, e.Message, e.Kind, e.Key)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Op, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an existing error, preserving it as the cause via errors.Wrap.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, cause: pkgerrors.Wrap(err, message)}
}

// WithKey attaches the feature key the error concerns.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, otherwise KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound is a convenience predicate used throughout the router and
// metadata components.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
