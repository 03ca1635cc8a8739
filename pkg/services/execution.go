package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/studyhub/automation/pkg/coordinator"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

// Runs is the part of the coordinator the execution service needs.
type Runs interface {
	Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error)
	Cancel(ctx context.Context, executionID, reason string) error
}

// Execution answers execution queries and cancellations.
type Execution struct {
	executions persistence.ExecutionRepository
	workflows  persistence.WorkflowRepository
	runs       Runs
}

func NewExecution(p persistence.Persistence, runs Runs) *Execution {
	return &Execution{
		executions: p.ExecutionRepository(),
		workflows:  p.WorkflowRepository(),
		runs:       runs,
	}
}

// Get returns the live view of a running execution or its stored record.
func (e *Execution) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.runs.Get(ctx, executionID)
}

// ListByWorkflow returns a workflow's executions, newest first.
func (e *Execution) ListByWorkflow(ctx context.Context, workflowID string, includeArchived bool) ([]*models.WorkflowExecution, error) {
	if _, err := e.workflows.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}

	executions, err := e.executions.ListExecutions(ctx, workflowID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return executions, nil
}

// Cancel halts a running execution; it returns the record as it stands.
func (e *Execution) Cancel(ctx context.Context, executionID, reason string) (*models.WorkflowExecution, error) {
	err := e.runs.Cancel(ctx, executionID, reason)

	switch {
	case errors.Is(err, coordinator.ErrRunFinished):
		return nil, newError("Cancel", "EXECUTION_FINISHED", "execution "+executionID+" already finished", ErrExecutionFinished)
	case errors.Is(err, coordinator.ErrRunNotLive):
		return nil, newError("Cancel", "EXECUTION_NOT_LIVE", "execution "+executionID+" is owned by another node", ErrExecutionNotLive)
	case err != nil:
		return nil, err
	}

	return e.runs.Get(ctx, executionID)
}
