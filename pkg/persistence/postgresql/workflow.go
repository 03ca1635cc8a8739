package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

const workflowColumns = `
	id
  , name
  , description
  , category
  , status
  , tenant_id
  , version
  , steps
  , timeout_ms
  , error_threshold
  , consecutive_failures
  , created_at
  , updated_at
  , published_at
`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (r *WorkflowRepository) ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*models.Workflow, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	for _, workflow := range workflows {
		if err := r.loadTriggers(ctx, workflow); err != nil {
			return nil, err
		}
	}

	return workflows, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)

	workflow, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	if err := r.loadTriggers(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow    models.Workflow
		steps       []byte
		timeoutMs   int64
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Category,
		&workflow.Status,
		&workflow.TenantID,
		&workflow.Version,
		&steps,
		&timeoutMs,
		&workflow.ErrorThreshold,
		&workflow.ConsecutiveFailures,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(steps, &workflow.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	workflow.Timeout = models.Duration(time.Duration(timeoutMs) * time.Millisecond)

	if publishedAt.Valid {
		t := publishedAt.Time
		workflow.PublishedAt = &t
	}

	return &workflow, nil
}

func (r *WorkflowRepository) loadTriggers(ctx context.Context, workflow *models.Workflow) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger_type, configuration, enabled, trigger_count
		FROM workflow_triggers
		WHERE workflow_id = $1
		ORDER BY position
	`, workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("loadTriggers", workflow.ID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflow.Triggers = make([]*models.WorkflowTrigger, 0)

	for rows.Next() {
		var (
			trigger models.WorkflowTrigger
			config  []byte
		)

		if err := rows.Scan(&trigger.ID, &trigger.Type, &config, &trigger.Enabled, &trigger.TriggerCount); err != nil {
			return persistence.NewWorkflowError("loadTriggers", workflow.ID, err)
		}

		if err := json.Unmarshal(config, &trigger.Configuration); err != nil {
			return persistence.NewWorkflowError("loadTriggers", workflow.ID, err)
		}

		workflow.Triggers = append(workflow.Triggers, &trigger)
	}

	if err := rows.Err(); err != nil {
		return persistence.NewWorkflowError("loadTriggers", workflow.ID, err)
	}

	return nil
}

// Save upserts the workflow and replaces its triggers, keeping stored trigger counts.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) (err error) {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal steps: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			tenant_id = EXCLUDED.tenant_id,
			version = EXCLUDED.version,
			steps = EXCLUDED.steps,
			timeout_ms = EXCLUDED.timeout_ms,
			error_threshold = EXCLUDED.error_threshold,
			consecutive_failures = EXCLUDED.consecutive_failures,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at
	`,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Category,
		workflow.Status,
		workflow.TenantID,
		workflow.Version,
		steps,
		workflow.Timeout.Std().Milliseconds(),
		workflow.ErrorThreshold,
		workflow.ConsecutiveFailures,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.PublishedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to save workflow base: %w", err))
	}

	ids := make([]string, 0, len(workflow.Triggers))

	for position, trigger := range workflow.Triggers {
		config, mErr := json.Marshal(nonNilMap(trigger.Configuration))
		if mErr != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal trigger %s: %w", trigger.ID, mErr))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_triggers (workflow_id, id, position, trigger_type, configuration, enabled, trigger_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (workflow_id, id) DO UPDATE SET
				position = EXCLUDED.position,
				trigger_type = EXCLUDED.trigger_type,
				configuration = EXCLUDED.configuration,
				enabled = EXCLUDED.enabled
		`, workflow.ID, trigger.ID, position, trigger.Type, config, trigger.Enabled, trigger.TriggerCount)
		if err != nil {
			return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err))
		}

		ids = append(ids, trigger.ID)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM workflow_triggers WHERE workflow_id = $1 AND NOT (id = ANY($2))",
		workflow.ID, pq.Array(ids))
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to prune triggers: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) IncrementTriggerCount(ctx context.Context, workflowID, triggerID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_triggers SET trigger_count = trigger_count + 1
		WHERE workflow_id = $1 AND id = $2
	`, workflowID, triggerID)
	if err != nil {
		return persistence.NewWorkflowError("IncrementTriggerCount", workflowID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("IncrementTriggerCount", workflowID, err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM workflows WHERE id = $1)", workflowID).Scan(&exists); err != nil {
		return persistence.NewWorkflowError("IncrementTriggerCount", workflowID, err)
	}

	if !exists {
		return persistence.NewWorkflowError("IncrementTriggerCount", workflowID, persistence.ErrWorkflowNotFound)
	}

	return persistence.NewWorkflowError("IncrementTriggerCount", workflowID, persistence.ErrTriggerNotFound)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
