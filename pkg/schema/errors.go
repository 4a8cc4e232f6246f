package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeNoCase            = "NO_CASE"
	ErrCodePermission        = "PERMISSION_DENIED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type for all reprise operations.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *Error) WithStep(step string) *Error {
	e.StepName = step
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code denotes a condition that may
// clear on a subsequent attempt.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeStore, ErrCodeCircuitOpen:
		return true
	case ErrCodeValidation, ErrCodePermission, ErrCodeInvalidTransition,
		ErrCodeNotFound, ErrCodeNoCase, ErrCodeCancelled:
		return false
	}
	return true
}
