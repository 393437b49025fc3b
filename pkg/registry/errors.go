package registry

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	ErrorNotFound = "not_found"
	ErrorConflict = "conflict"
	ErrorInvalid  = "invalid"
	ErrorInternal = "internal"
)

var ErrClosed = errors.New("registry is closed")

// Error represents a stable, categorized registry failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a categorized registry error.
func NewError(category string, format string, args ...any) *Error {
	return &Error{Category: category, Detail: fmt.Sprintf(format, args...)}
}

// wrapError categorizes cause, keeping it reachable through errors.Is.
func wrapError(category string, cause error, format string, args ...any) *Error {
	detail := fmt.Sprintf(format, args...)
	if cause != nil {
		detail = detail + ": " + cause.Error()
	}
	return &Error{Category: category, Detail: detail, Err: cause}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ErrorInternal
}

// HTTPStatus maps an error category to a response status.
func HTTPStatus(err error) int {
	switch CategoryFromError(err) {
	case "":
		return http.StatusOK
	case ErrorNotFound:
		return http.StatusNotFound
	case ErrorConflict:
		return http.StatusConflict
	case ErrorInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
