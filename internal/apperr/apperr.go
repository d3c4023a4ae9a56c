// Package apperr defines the structured failures that cross the HTTP boundary.
// Every store or crypto error is wrapped into one of these before it reaches a
// handler; raw driver errors never leave the service layer.
package apperr

import (
	"errors"
	"net/http"
)

// StatusSessionExpired is the non-standard 419 status used to signal
// expired-session semantics distinct from a plain 401.
const StatusSessionExpired = 419

// Stable machine-readable failure codes.
const (
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeAccessExpired          = "ACCESS_EXPIRED"
	CodeInvalidAccessToken     = "INVALID_ACCESS_TOKEN"
	CodeSessionExpired         = "SESSION_EXPIRED"
	CodeForbidden              = "FORBIDDEN"
	CodeSessionLimitExceeded   = "SESSION_LIMIT_EXCEEDED"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeAccountNotVerified     = "ACCOUNT_NOT_VERIFIED"
	CodeNotFound               = "NOT_FOUND"
	CodeAlreadyVerified        = "ALREADY_VERIFIED"
	CodeInvalidCode            = "INVALID_CODE"
	CodeCodeExpired            = "CODE_EXPIRED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeAlreadyRevoked         = "ALREADY_REVOKED"
	CodeSelfRevokeCurrent      = "SELF_REVOKE_CURRENT"
	CodePasswordChangeCooldown = "PASSWORD_RECENTLY_CHANGED"
	CodeBadRequest             = "BAD_REQUEST"
	CodeInternal               = "INTERNAL"
)

// Error carries a stable code and an HTTP status class alongside the message.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an Error with an explicit status, code and message.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches errors by code so sentinels compare with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// From extracts an *Error from err, or wraps it as an internal failure.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return New(http.StatusInternalServerError, CodeInternal, "internal server error")
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func AccessExpired() *Error {
	return New(http.StatusUnauthorized, CodeAccessExpired, "access token invalid or expired")
}

func InvalidAccessToken() *Error {
	return New(http.StatusForbidden, CodeInvalidAccessToken, "access token does not match a known account")
}

func SessionExpired() *Error {
	return New(StatusSessionExpired, CodeSessionExpired, "session revoked or expired")
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func SessionLimitExceeded() *Error {
	return New(http.StatusConflict, CodeSessionLimitExceeded, "maximum number of logged in devices reached")
}

func InvalidCredentials() *Error {
	return New(http.StatusUnauthorized, CodeInvalidCredentials, "invalid login credentials")
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func RateLimited(message string) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimited, message)
}

func BadRequest(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}
