package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

const executionColumns = `
	id
  , workflow_id
  , workflow_version
  , tenant_id
  , status
  , started_at
  , completed_at
  , triggered_by
  , trigger_type
  , trigger_id
  , payload
  , error
  , archived
`

const uniqueViolation = "23505"

// ExecutionRepository handles execution and execution step records.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	payload, err := json.Marshal(nonNilMap(execution.Payload))
	if err != nil {
		return persistence.NewExecutionError("CreateExecution", execution.ID, fmt.Errorf("failed to marshal payload: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowVersion,
		execution.TenantID,
		execution.Status,
		execution.StartedAt,
		execution.CompletedAt,
		execution.TriggeredBy,
		execution.TriggerType,
		execution.TriggerID,
		payload,
		execution.Error,
		execution.Archived,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewExecutionError("CreateExecution", execution.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError("CreateExecution", execution.ID, err)
	}

	if execution.Steps == nil {
		execution.Steps = []*models.ExecutionStep{}
	}

	return nil
}

// lockRunning locks the execution row and rejects terminal runs.
func lockRunning(ctx context.Context, tx *sql.Tx, op, executionID string) error {
	var status models.ExecutionStatus

	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = $1 FOR UPDATE", executionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return persistence.NewExecutionError(op, executionID, err)
	}

	if status.IsTerminal() {
		return persistence.NewExecutionError(op, executionID, persistence.ErrExecutionTerminal)
	}

	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, executionID string, step models.ExecutionStep, position any) error {
	var output []byte

	if step.Output != nil {
		data, err := json.Marshal(step.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}

		output = data
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_steps (execution_id, step_id, id, position, status, started_at, completed_at, error, output, attempts)
		VALUES ($1, $2, $3, `+positionExpr(position)+`, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			id = EXCLUDED.id,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			output = EXCLUDED.output,
			attempts = EXCLUDED.attempts
	`, positionArgs(executionID, step, output, position)...)

	return err
}

// positionExpr appends new steps after the last recorded one unless an explicit position is given.
func positionExpr(position any) string {
	if position == nil {
		return "(SELECT COALESCE(MAX(position), -1) + 1 FROM execution_steps WHERE execution_id = $1)"
	}

	return "$10"
}

func positionArgs(executionID string, step models.ExecutionStep, output []byte, position any) []any {
	args := []any{
		executionID,
		step.StepID,
		step.ID,
		step.Status,
		step.StartedAt,
		step.CompletedAt,
		step.Error,
		output,
		step.Attempts,
	}

	if position != nil {
		args = append(args, position)
	}

	return args
}

func (r *ExecutionRepository) SaveExecutionStep(ctx context.Context, executionID string, step models.ExecutionStep) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, err)
	}

	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	if err = lockRunning(ctx, tx, "SaveExecutionStep", executionID); err != nil {
		return err
	}

	if err = insertStep(ctx, tx, executionID, step, nil); err != nil {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, err)
	}

	if err = tx.Commit(); err != nil {
		return persistence.NewExecutionStepError("SaveExecutionStep", executionID, step.StepID, err)
	}

	return nil
}

func (r *ExecutionRepository) MarkExecutionTerminal(ctx context.Context, execution *models.WorkflowExecution) (err error) {
	if !execution.Status.IsTerminal() {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, fmt.Errorf("status %q is not terminal", execution.Status))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, err)
	}

	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	if err = lockRunning(ctx, tx, "MarkExecutionTerminal", execution.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM execution_steps WHERE execution_id = $1", execution.ID)
	if err != nil {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, err)
	}

	for position, step := range execution.Steps {
		if err = insertStep(ctx, tx, execution.ID, *step, position); err != nil {
			return persistence.NewExecutionStepError("MarkExecutionTerminal", execution.ID, step.StepID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET status = $2, completed_at = $3, error = $4
		WHERE id = $1
	`, execution.ID, execution.Status, execution.CompletedAt, execution.Error)
	if err != nil {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return persistence.NewExecutionError("MarkExecutionTerminal", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewExecutionError("GetExecution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetExecution", id, err)
	}

	if err := r.loadSteps(ctx, execution); err != nil {
		return nil, err
	}

	return execution, nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution   models.WorkflowExecution
		completedAt sql.NullTime
		payload     []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowVersion,
		&execution.TenantID,
		&execution.Status,
		&execution.StartedAt,
		&completedAt,
		&execution.TriggeredBy,
		&execution.TriggerType,
		&execution.TriggerID,
		&payload,
		&execution.Error,
		&execution.Archived,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		execution.CompletedAt = &t
	}

	if err := json.Unmarshal(payload, &execution.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return &execution, nil
}

func (r *ExecutionRepository) loadSteps(ctx context.Context, execution *models.WorkflowExecution) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, step_id, status, started_at, completed_at, error, output, attempts
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY position
	`, execution.ID)
	if err != nil {
		return persistence.NewExecutionError("loadSteps", execution.ID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	execution.Steps = make([]*models.ExecutionStep, 0)

	for rows.Next() {
		var (
			step        models.ExecutionStep
			startedAt   sql.NullTime
			completedAt sql.NullTime
			output      []byte
		)

		err := rows.Scan(&step.ID, &step.StepID, &step.Status, &startedAt, &completedAt, &step.Error, &output, &step.Attempts)
		if err != nil {
			return persistence.NewExecutionError("loadSteps", execution.ID, err)
		}

		if startedAt.Valid {
			t := startedAt.Time
			step.StartedAt = &t
		}

		if completedAt.Valid {
			t := completedAt.Time
			step.CompletedAt = &t
		}

		if len(output) > 0 {
			if err := json.Unmarshal(output, &step.Output); err != nil {
				return persistence.NewExecutionStepError("loadSteps", execution.ID, step.StepID, err)
			}
		}

		execution.Steps = append(execution.Steps, &step)
	}

	if err := rows.Err(); err != nil {
		return persistence.NewExecutionError("loadSteps", execution.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) ListExecutions(ctx context.Context, workflowID string, includeArchived bool) ([]*models.WorkflowExecution, error) {
	return r.query(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE workflow_id = $1 AND ($2 OR NOT archived)
		ORDER BY started_at DESC
	`, workflowID, includeArchived)
}

func (r *ExecutionRepository) ListRunningExecutions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	return r.query(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE status = $1
		ORDER BY started_at
	`, models.ExecutionRunning)
}

func (r *ExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	for _, execution := range executions {
		if err := r.loadSteps(ctx, execution); err != nil {
			return nil, err
		}
	}

	return executions, nil
}

func (r *ExecutionRepository) CountActiveExecutions(ctx context.Context, workflowID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE workflow_id = $1 AND NOT archived", workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return count, nil
}

// ArchiveExecutions archives the workflow's terminal runs. Running ones are left alone.
func (r *ExecutionRepository) ArchiveExecutions(ctx context.Context, workflowID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET archived = true
		WHERE workflow_id = $1 AND NOT archived AND status IN ('completed', 'failed', 'cancelled')
	`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to archive executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to archive executions: %w", err)
	}

	return int(affected), nil
}
