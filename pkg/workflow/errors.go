package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is matching.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTimeout           = errors.New("state timeout")
	ErrEngine            = errors.New("workflow engine error")
)

// InvalidTransitionError reports an attempted illegal state change.
type InvalidTransitionError struct {
	WorkflowID string      `json:"workflow_id,omitempty"`
	From       State       `json:"from"`
	To         State       `json:"to"`
	Missing    []Condition `json:"missing,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid transition %s -> %s", e.From, e.To)
	if e.WorkflowID != "" {
		fmt.Fprintf(&b, " (workflow=%s)", e.WorkflowID)
	}
	if len(e.Missing) > 0 {
		names := make([]string, len(e.Missing))
		for i, c := range e.Missing {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, ": missing conditions %s", strings.Join(names, ", "))
	} else if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TimeoutError reports that a state outlived its deadline.
type TimeoutError struct {
	WorkflowID string        `json:"workflow_id"`
	State      State         `json:"state"`
	Timeout    time.Duration `json:"timeout"`
	EnteredAt  time.Time     `json:"entered_at"`
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow %s timed out in state %s after %s", e.WorkflowID, e.State, e.Timeout)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Engine error codes.
const (
	CodeCapacity        = "CAPACITY_EXCEEDED"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeNotFound        = "NOT_FOUND"
	CodeNotRunning      = "NOT_RUNNING"
	CodeRetryExhausted  = "RETRY_EXHAUSTED"
	CodeControllerState = "CONTROLLER_STATE"
)

// WorkflowEngineError reports a capacity or precondition violation.
type WorkflowEngineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// NewWorkflowEngineError creates an engine error.
func NewWorkflowEngineError(code, message string, err error) *WorkflowEngineError {
	return &WorkflowEngineError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *WorkflowEngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *WorkflowEngineError) Unwrap() error {
	return e.Err
}

// Is matches ErrEngine and engine errors with the same code.
func (e *WorkflowEngineError) Is(target error) bool {
	if target == ErrEngine {
		return true
	}
	t, ok := target.(*WorkflowEngineError)
	return ok && t.Code == e.Code
}

// AsTimeout extracts a TimeoutError from an error chain.
func AsTimeout(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
