// Package services implements the workflow lifecycle and execution operations
// behind the REST API.
package services

import (
	"errors"
	"fmt"

	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/triggers"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidStatus        = errors.New("invalid workflow status")
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrStepsRequired        = errors.New("workflow must have at least one step")

	// Business Logic Conflicts (409 Conflict).
	ErrInvalidTransition = errors.New("workflow status transition not allowed")
	ErrExecutionsExist   = errors.New("workflow still has non-archived executions")
	ErrExecutionFinished = errors.New("execution already finished")
	ErrExecutionNotLive  = errors.New("execution is not running on this node")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrStepsRequired) ||
		errors.Is(err, triggers.ErrInvalidPayload) ||
		errors.Is(err, triggers.ErrTriggerMismatch) ||
		errors.Is(err, triggers.ErrNoManualTrigger) ||
		graph.IsCompileError(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrExecutionsExist) ||
		errors.Is(err, ErrExecutionFinished) ||
		errors.Is(err, ErrExecutionNotLive) ||
		errors.Is(err, triggers.ErrWorkflowInactive) ||
		errors.Is(err, triggers.ErrTriggerDisabled)
}

func newError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
