package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Compile error kinds. All of them block activation of a workflow.
var (
	// ErrEmptyWorkflow indicates the workflow declares no steps.
	ErrEmptyWorkflow = errors.New("workflow has no steps")

	// ErrDuplicateStepID indicates two steps share an id.
	ErrDuplicateStepID = errors.New("duplicate step id")

	// ErrDanglingReference indicates nextSteps or parallelSteps names a step that does not exist.
	ErrDanglingReference = errors.New("dangling step reference")

	// ErrCycleDetected indicates a step can reach itself.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrInvalidStepConfig indicates a step's type-specific configuration is unusable.
	ErrInvalidStepConfig = errors.New("invalid step configuration")
)

// CompileError carries the offending step alongside the error kind.
type CompileError struct {
	Kind   error    // One of the Err* kinds above
	StepID string   // Step where the problem was found
	Ref    string   // Referenced step id for dangling references
	Path   []string // Cycle path, first and last element equal
	Detail string
}

func (e *CompileError) Error() string {
	switch {
	case len(e.Path) > 0:
		return fmt.Sprintf("%v: %s", e.Kind, strings.Join(e.Path, " -> "))
	case e.Ref != "":
		return fmt.Sprintf("%v: step %s references %s", e.Kind, e.StepID, e.Ref)
	case e.Detail != "":
		return fmt.Sprintf("%v: step %s: %s", e.Kind, e.StepID, e.Detail)
	case e.StepID != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.StepID)
	default:
		return e.Kind.Error()
	}
}

func (e *CompileError) Unwrap() error {
	return e.Kind
}

// IsCompileError reports whether err came from Compile.
func IsCompileError(err error) bool {
	var ce *CompileError

	return errors.As(err, &ce)
}
