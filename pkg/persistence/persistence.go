// Package persistence provides the storage abstraction for workflows and their executions.
package persistence

import (
	"context"

	"github.com/studyhub/automation/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	Status   models.WorkflowStatus
	TenantID string
}

type WorkflowRepository interface {
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	// Save inserts or replaces the workflow, stamping CreatedAt and UpdatedAt.
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
	IncrementTriggerCount(ctx context.Context, workflowID, triggerID string) error
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error
	// SaveExecutionStep upserts the record for step.StepID, keeping the position of its first write.
	SaveExecutionStep(ctx context.Context, executionID string, step models.ExecutionStep) error
	// MarkExecutionTerminal writes the final status, error, completion time and full step list.
	MarkExecutionTerminal(ctx context.Context, execution *models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, includeArchived bool) ([]*models.WorkflowExecution, error)
	CountActiveExecutions(ctx context.Context, workflowID string) (int, error)
	// ListRunningExecutions returns every execution still in the running state, across workflows.
	ListRunningExecutions(ctx context.Context) ([]*models.WorkflowExecution, error)
	ArchiveExecutions(ctx context.Context, workflowID string) (int, error)
}
