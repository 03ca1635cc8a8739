package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/studyhub/automation/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestWorkflowError(t *testing.T) {
	t.Parallel()

	err := persistence.NewWorkflowError("GetByID", "workflow-123", persistence.ErrWorkflowNotFound)

	assert.True(t, persistence.IsWorkflowNotFound(err))
	assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", err), persistence.ErrWorkflowNotFound))
	assert.Contains(t, err.Error(), "GetByID")
	assert.Contains(t, err.Error(), "workflow-123")
	assert.Contains(t, err.Error(), "workflow not found")

	err.Message = "file missing"
	assert.Contains(t, err.Error(), "file missing")
}

func TestExecutionError(t *testing.T) {
	t.Parallel()

	err := persistence.NewExecutionStepError("SaveExecutionStep", "exec-1", "send_email", persistence.ErrExecutionTerminal)

	assert.ErrorIs(t, err, persistence.ErrExecutionTerminal)
	assert.False(t, persistence.IsExecutionNotFound(err))
	assert.Equal(t, "SaveExecutionStep operation failed for step send_email of execution exec-1: execution is already terminal", err.Error())

	notFound := persistence.NewExecutionError("GetExecution", "exec-2", persistence.ErrExecutionNotFound)
	assert.True(t, persistence.IsExecutionNotFound(notFound))
	assert.True(t, persistence.IsAlreadyExists(persistence.NewExecutionError("CreateExecution", "exec-2", persistence.ErrExecutionAlreadyExists)))
}
