package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

// ExecutionRepository stores one JSON document per run under <root>/executions.
type ExecutionRepository struct {
	dir string
	mu  sync.RWMutex
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{dir: filepath.Join(root, "executions")}
}

func (er *ExecutionRepository) CreateExecution(_ context.Context, execution *models.WorkflowExecution) error {
	if err := validateID(execution.ID); err != nil {
		return persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	if _, err := os.Stat(filepath.Join(er.dir, execution.ID+".json")); err == nil {
		return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	if execution.Steps == nil {
		execution.Steps = []*models.ExecutionStep{}
	}

	if err := writeJSON(er.dir, execution.ID, execution); err != nil {
		return persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) SaveExecutionStep(_ context.Context, executionID string, step models.ExecutionStep) error {
	if err := validateID(executionID); err != nil {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	execution, err := er.read("SaveExecutionStep", executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, persistence.ErrExecutionTerminal)
	}

	if existing := execution.Step(step.StepID); existing != nil {
		*existing = step
	} else {
		execution.Steps = append(execution.Steps, &step)
	}

	if err := writeJSON(er.dir, executionID, execution); err != nil {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, err)
	}

	return nil
}

func (er *ExecutionRepository) MarkExecutionTerminal(_ context.Context, execution *models.WorkflowExecution) error {
	if !execution.Status.IsTerminal() {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, fmt.Errorf("status %q is not terminal", execution.Status))
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	stored, err := er.read("MarkExecutionTerminal", execution.ID)
	if err != nil {
		return err
	}

	if stored.Status.IsTerminal() {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, persistence.ErrExecutionTerminal)
	}

	stored.Status = execution.Status
	stored.Error = execution.Error
	stored.CompletedAt = execution.CompletedAt
	stored.Steps = execution.Steps

	if err := writeJSON(er.dir, execution.ID, stored); err != nil {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewExecutionError("GetExecution", id, err)
	}

	er.mu.RLock()
	defer er.mu.RUnlock()

	return er.read("GetExecution", id)
}

func (er *ExecutionRepository) read(op, id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	if err := readJSON(er.dir, id, &execution); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError(op, id, err)
	}

	return &execution, nil
}

func (er *ExecutionRepository) all() ([]*models.WorkflowExecution, error) {
	ids, err := listIDs(er.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := er.read("ListExecutions", id)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, nil
}

// ListExecutions returns the workflow's runs, newest first.
func (er *ExecutionRepository) ListExecutions(_ context.Context, workflowID string, includeArchived bool) ([]*models.WorkflowExecution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	out := make([]*models.WorkflowExecution, 0)

	for _, e := range executions {
		if e.WorkflowID != workflowID || (e.Archived && !includeArchived) {
			continue
		}

		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	return out, nil
}

func (er *ExecutionRepository) ListRunningExecutions(_ context.Context) ([]*models.WorkflowExecution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	out := make([]*models.WorkflowExecution, 0)

	for _, e := range executions {
		if e.Status == models.ExecutionRunning {
			out = append(out, e)
		}
	}

	return out, nil
}

func (er *ExecutionRepository) CountActiveExecutions(ctx context.Context, workflowID string) (int, error) {
	executions, err := er.ListExecutions(ctx, workflowID, false)
	if err != nil {
		return 0, err
	}

	return len(executions), nil
}

func (er *ExecutionRepository) ArchiveExecutions(_ context.Context, workflowID string) (int, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	executions, err := er.all()
	if err != nil {
		return 0, err
	}

	archived := 0

	for _, e := range executions {
		if e.WorkflowID != workflowID || e.Archived || !e.Status.IsTerminal() {
			continue
		}

		e.Archived = true

		if err := writeJSON(er.dir, e.ID, e); err != nil {
			return archived, persistence.NewExecutionError("ArchiveExecutions", e.ID, err)
		}

		archived++
	}

	return archived, nil
}
