package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidPIN   ErrorCode = "INVALID_PIN"

	// Session lifecycle
	ErrCodeDeviceOffline  ErrorCode = "DEVICE_OFFLINE"
	ErrCodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	ErrCodeMaxSessions    ErrorCode = "MAX_SESSIONS"

	// Protocol
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeRelayUnavailable       ErrorCode = "RELAY_UNAVAILABLE"
	ErrCodeStoreWriteFailed       ErrorCode = "STORE_WRITE_FAILED"

	// Validation & resources
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two AppErrors by code.
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func InvalidPIN() *AppError {
	return New(ErrCodeInvalidPIN, "Invalid or expired access code")
}

func DeviceOffline(deviceID string) *AppError {
	return New(ErrCodeDeviceOffline, "Device is offline").WithDetails(map[string]string{"deviceId": deviceID})
}

func SessionExpired(sessionID string) *AppError {
	return New(ErrCodeSessionExpired, "Session has expired").WithDetails(map[string]string{"sessionId": sessionID})
}

func MaxSessions(limit int) *AppError {
	return New(ErrCodeMaxSessions, fmt.Sprintf("Maximum of %d concurrent sessions reached", limit))
}

func InvalidStateTransition(message string) *AppError {
	return New(ErrCodeInvalidStateTransition, message)
}

func RelayUnavailable(cause error) *AppError {
	return Wrap(ErrCodeRelayUnavailable, "Push subscription unavailable", cause)
}

func StoreWriteFailed(cause error) *AppError {
	return Wrap(ErrCodeStoreWriteFailed, "Store write failed", cause)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}
