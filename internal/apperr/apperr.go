// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure reported by the lending core.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindOutOfStock Kind = "OUT_OF_STOCK"
	KindConflict   Kind = "CONFLICT"
	KindState      Kind = "STATE"
	KindGateway    Kind = "GATEWAY"
	KindNotFound   Kind = "NOT_FOUND"
	KindForbidden  Kind = "FORBIDDEN"
)

// Error is a classified failure. SessionURL is set when the caller can unblock
// themselves by paying an outstanding checkout session.
type Error struct {
	Kind       Kind
	Message    string
	SessionURL string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrConflict) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrOutOfStock = &Error{Kind: KindOutOfStock}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrState      = &Error{Kind: KindState}
	ErrGateway    = &Error{Kind: KindGateway}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrForbidden  = &Error{Kind: KindForbidden}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func OutOfStock(format string, args ...any) error {
	return &Error{Kind: KindOutOfStock, Message: fmt.Sprintf(format, args...)}
}

func State(format string, args ...any) error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports an action blocked by an outstanding payment. sessionURL may be empty.
func Conflict(sessionURL, format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), SessionURL: sessionURL}
}

// Gateway wraps a failed payment gateway call.
func Gateway(err error, format string, args ...any) error {
	return &Error{Kind: KindGateway, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// SessionURLOf returns the pending session URL carried by err, if any.
func SessionURLOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.SessionURL
	}
	return ""
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindOutOfStock:
		return http.StatusBadRequest
	case KindConflict, KindState:
		return http.StatusConflict
	case KindGateway:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
