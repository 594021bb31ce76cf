// Package apperr defines the error taxonomy shared by the services and the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindValidation            Kind = "VALIDATION"
	KindNotFound              Kind = "NOT_FOUND"
	KindConflict              Kind = "CONFLICT"
	KindExpired               Kind = "EXPIRED"
	KindAlreadyCompleted      Kind = "COMPLETED"
	KindInsufficientQuestions Kind = "INSUFFICIENT_QUESTIONS"
	KindInvalidState          Kind = "INVALID_STATE"
	KindNoOTP                 Kind = "NO_OTP"
	KindInvalidOTP            Kind = "INVALID_OTP"
	KindAuth                  Kind = "UNAUTHORIZED"
	KindInternal              Kind = "INTERNAL"
)

// HTTPStatus maps a kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindExpired, KindAlreadyCompleted, KindInsufficientQuestions,
		KindInvalidState, KindNoOTP, KindInvalidOTP:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrExpired               = &Error{Kind: KindExpired}
	ErrAlreadyCompleted      = &Error{Kind: KindAlreadyCompleted}
	ErrInsufficientQuestions = &Error{Kind: KindInsufficientQuestions}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrNoOTP                 = &Error{Kind: KindNoOTP}
	ErrInvalidOTP            = &Error{Kind: KindInvalidOTP}
	ErrAuth                  = &Error{Kind: KindAuth}
)

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error carrying per-field details.
func Validation(msg string, details ...string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// NotFound creates a not-found error for the named entity.
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// Wrap classifies err, keeping it for logs.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
