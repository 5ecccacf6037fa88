package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation   ErrorCategory = "validation"   // Invalid input
	ErrCatExecution    ErrorCategory = "execution"    // Runtime failure
	ErrCatTimeout      ErrorCategory = "timeout"      // Operation timed out
	ErrCatRateLimit    ErrorCategory = "rate_limit"   // Provider throttling
	ErrCatAuth         ErrorCategory = "auth"         // Authentication failure
	ErrCatProtocol     ErrorCategory = "protocol"     // Malformed agent handoff
	ErrCatTransient    ErrorCategory = "transient"    // Process crash, network blip
	ErrCatCollaborator ErrorCategory = "collaborator" // Notifier/metrics/log failure
	ErrCatState        ErrorCategory = "state"        // State conflict
	ErrCatNotFound     ErrorCategory = "not_found"    // Resource not found
	ErrCatCapacity     ErrorCategory = "capacity"     // Concurrency caps exhausted
	ErrCatInternal     ErrorCategory = "internal"     // Unexpected internal error
)

// DomainError represents a structured error from the dispatcher core.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrAuth creates an authentication error. Never retried automatically.
func ErrAuth(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAuth,
		Code:      "AUTH_FAILED",
		Message:   message,
		Retryable: false,
	}
}

// ErrRateLimit creates a provider throttling error. Not a step failure;
// it pauses the whole dispatcher instead.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrProtocol creates a handoff protocol violation error.
func ErrProtocol(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProtocol,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTransient creates a transient runner failure, retried once with backoff.
func ErrTransient(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransient,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrCollaborator wraps a failure from a best-effort collaborator.
// Always swallowed at the call site, logged only.
func ErrCollaborator(name string, cause error) *DomainError {
	return &DomainError{
		Category:  ErrCatCollaborator,
		Code:      "COLLABORATOR_FAILED",
		Message:   fmt.Sprintf("collaborator %s failed", name),
		Retryable: false,
		Cause:     cause,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrCapacity creates a capacity error used when no slot is available.
func ErrCapacity(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCapacity,
		Code:      "NO_CAPACITY",
		Message:   message,
		Retryable: true,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes.
const (
	CodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	CodeQuestionNotFound = "QUESTION_NOT_FOUND"
	CodeInvalidState     = "INVALID_STATE"
	CodeStoreUnreachable = "STORE_UNREACHABLE"
	CodeRunnerCrashed    = "RUNNER_CRASHED"
	CodePreflightFailed  = "PREFLIGHT_FAILED"
	CodeParseFailed      = "PARSE_FAILED"
)
