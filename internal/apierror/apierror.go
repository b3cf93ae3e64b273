// Package apierror defines the uniform error envelope returned by every
// gateway endpoint and the error taxonomy used across components.
//
// DESIGN: Handlers never build ad-hoc error JSON. They return an *Error
// (or wrap one with fmt.Errorf + %w) and the gateway serializes it as:
//
//	{"error": {"code": "...", "message": "...", "status": 409}}
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes. These are part of the wire contract consumed by remote
// clients; renaming one is a breaking change.
const (
	CodeValidation      = "validation_error"
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited"
	CodeUpstream        = "upstream_error"
	CodeUnsupportedMode = "unsupported_mode"
	CodeCancelled       = "cancelled"
	CodeInternal        = "internal_error"
)

// Error is a gateway error with a stable code and an HTTP status.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code, so sentinel comparisons like
// errors.Is(err, apierror.Conflict("")) work regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Validation returns a 400 validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

// Unauthorized returns a 401 error.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg, Status: http.StatusUnauthorized}
}

// NotFound returns a 404 error for the named resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id), Status: http.StatusNotFound}
}

// Conflict returns a 409 error (e.g. a completion already running on the session).
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg, Status: http.StatusConflict}
}

// RateLimited returns a 429 error.
func RateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, Status: http.StatusTooManyRequests}
}

// Upstream returns a 502 error for provider failures.
func Upstream(msg string) *Error {
	return &Error{Code: CodeUpstream, Message: msg, Status: http.StatusBadGateway}
}

// UpstreamUnavailable returns a 503 error for a provider that is down.
func UpstreamUnavailable(msg string) *Error {
	return &Error{Code: CodeUpstream, Message: msg, Status: http.StatusServiceUnavailable}
}

// UnsupportedMode returns a 400 error for a mode the model cannot serve
// (e.g. streaming requested on a non-streaming model).
func UnsupportedMode(msg string) *Error {
	return &Error{Code: CodeUnsupportedMode, Message: msg, Status: http.StatusBadRequest}
}

// Cancelled reports a completion terminated by an explicit cancel or a
// client disconnect. Status 499 follows the nginx convention for "client
// closed request".
func Cancelled(msg string) *Error {
	return &Error{Code: CodeCancelled, Message: msg, Status: 499}
}

// Internal returns a 500 error.
func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg, Status: http.StatusInternalServerError}
}

// envelope is the wire form.
type envelope struct {
	Error *Error `json:"error"`
}

// Write serializes err into the uniform envelope on w. Non-*Error values
// are reported as internal errors without leaking the original message.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: apiErr})
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
