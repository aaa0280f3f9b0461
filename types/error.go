package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Operation error codes. Injected collaborators (LLM clients, tools, stores)
// report these so the recovery classifier can categorise them.
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrToolValidation     ErrorCode = "TOOL_VALIDATION"
	ErrModelOverloaded    ErrorCode = "MODEL_OVERLOADED"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrNetwork            ErrorCode = "NETWORK"
)

// Scheduling error codes
const (
	ErrSchedulingCycle   ErrorCode = "SCHEDULING_CYCLE"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrInvalidGraph      ErrorCode = "INVALID_GRAPH"
)

// Policy error codes
const (
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
	ErrTotalTimeout      ErrorCode = "TOTAL_TIMEOUT_EXCEEDED"
	ErrAbortedByHandler  ErrorCode = "ABORTED_BY_HANDLER"
	ErrEscalated         ErrorCode = "ESCALATED"
	ErrCheckpointRestore ErrorCode = "CHECKPOINT_RESTORE"
)

// State error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCheckpointMissing ErrorCode = "CHECKPOINT_MISSING"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
