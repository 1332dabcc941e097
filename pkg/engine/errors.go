package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, 5xx responses from a collaborator.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a remote state conflict.
	// Examples: a pull request head moved while merging.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid credentials, unknown repository, malformed response.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error raised by an external collaborator.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Service names the collaborator that failed (agent, scm, sandbox, ...).
	Service string `json:"service,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Service != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (service=%s, operation=%s)", msg, e.Service, e.Operation)
	} else if e.Service != "" {
		msg = fmt.Sprintf("%s (service=%s)", msg, e.Service)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithService adds the failing collaborator to an error.
func (e *EngineError) WithService(service string) *EngineError {
	e.Service = service
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassifyHTTPStatus maps an HTTP status code returned by a collaborator to an EngineError.
// It returns nil for 2xx codes.
func ClassifyHTTPStatus(status int, message string) *EngineError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return NewThrottledError(message, nil).WithCode(ErrCodeRateLimited)
	case status == http.StatusNotFound:
		return NewPermanentError(message, nil).WithCode(ErrCodeNotFound)
	case status == http.StatusConflict, status == http.StatusMethodNotAllowed:
		return NewConflictError(message, nil).WithCode(ErrCodeConflict)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return NewPermanentError(message, nil).WithCode(ErrCodePermissionDenied)
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return NewTransientError(message, nil).WithCode(ErrCodeTimeout)
	case status >= 500:
		return NewTransientError(message, nil).WithCode(ErrCodeUnavailable)
	default:
		return NewPermanentError(message, nil).WithCode(ErrCodeValidation)
	}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound returns true if the error carries the not-found code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable; context cancellation never is.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err) || IsThrottled(err)
}

// ClassOf returns the class of a classified error, or "unclassified".
func ClassOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return string(e.Class)
	}
	return "unclassified"
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeMalformed        = "MALFORMED_RESPONSE"
	ErrCodeCommandFailed    = "COMMAND_FAILED"
)
