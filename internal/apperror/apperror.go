// Package apperror defines the error taxonomy surfaced by the proxy.
// Every failure response is built from one of these codes; raw upstream
// error text never reaches the caller uninterpreted.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeBatchTooLarge       Code = "BATCH_TOO_LARGE"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUpstreamRateLimited Code = "UPSTREAM_RATE_LIMITED"
	CodeProviderAuth        Code = "PROVIDER_AUTH_ERROR"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeProviderTimeout     Code = "PROVIDER_TIMEOUT"
	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeAuthMissing         Code = "AUTH_MISSING"
	CodeAuthInvalid         Code = "AUTH_INVALID"
	CodeAuthExpired         Code = "AUTH_EXPIRED"
	CodeAuthUnavailable     Code = "AUTH_UNAVAILABLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error carries a classified failure plus the metadata the caller needs to
// act on it (retry timing, quota context).
type Error struct {
	Code    Code
	Status  int
	Message string

	// RetryAfter is set in seconds on rate-limit and timeout classes.
	RetryAfter int
	// Limit and Tier describe the caller's quota on RATE_LIMITED errors.
	Limit int
	Tier  string
}

func (e *Error) Error() string { return e.Message }

func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

func BadRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func Unavailable(code Code, format string, args ...any) *Error {
	return New(code, http.StatusServiceUnavailable, fmt.Sprintf(format, args...))
}

// From classifies an arbitrary error into the taxonomy. Unrecognized errors
// collapse into a generic 500 so no internal detail leaks to the caller.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(CodeInternal, http.StatusInternalServerError, "Internal server error")
}
