package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure category surfaced to API callers.
type Code string

const (
	CodeMissingCredential    Code = "MissingCredential"
	CodeInvalidCredential    Code = "InvalidCredential"
	CodeNotAssigned          Code = "NotAssigned"
	CodePlatformUnauthorized Code = "PlatformUnauthorized"
	CodeStaleLock            Code = "StaleLock"
	CodeNotFound             Code = "NotFound"
	CodeValidationError      Code = "ValidationError"
	CodeUnavailable          Code = "Unavailable"
	CodeInternal             Code = "Internal"
)

// Error carries a taxonomy code, an HTTP status and a caller-facing message.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"error"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New builds an Error with the status implied by its code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: statusFor(code)}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func statusFor(code Code) int {
	switch code {
	case CodeMissingCredential, CodeInvalidCredential:
		return http.StatusUnauthorized
	case CodeNotAssigned, CodePlatformUnauthorized, CodeStaleLock:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write emits err as a JSON error response. Errors that are not *Error are
// reported as Internal without leaking their message.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(CodeInternal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Code    Code   `json:"code"`
		Message string `json:"error"`
	}{false, apiErr.Code, apiErr.Message})
}
