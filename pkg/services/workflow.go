package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// Workflow manages workflow definitions and their lifecycle status.
type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	validate    *validator.Validate
	graphs      *graph.Cache
	compileOpts []graph.Option
	publisher   eventbus.EventPublisher

	// mu serialises read-modify-write of workflow records.
	mu sync.Mutex
}

type WorkflowOption func(*Workflow)

// WithGraphCache shares the coordinator's compiled-graph cache so updates evict stale versions.
func WithGraphCache(cache *graph.Cache) WorkflowOption {
	return func(w *Workflow) {
		w.graphs = cache
	}
}

// WithCompileOptions applies extra checks, such as action lookup, when publishing.
func WithCompileOptions(opts ...graph.Option) WorkflowOption {
	return func(w *Workflow) {
		w.compileOpts = append(w.compileOpts, opts...)
	}
}

func WithPublisher(publisher eventbus.EventPublisher) WorkflowOption {
	return func(w *Workflow) {
		w.publisher = publisher
	}
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(logger *slog.Logger, persistence persistence.Persistence, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		logger:      logger.With("module", "workflow_service"),
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		publisher:   eventbus.NopPublisher{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := w.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflows returns workflows, newest first, optionally filtered by status and tenant.
func (w *Workflow) ListWorkflows(ctx context.Context, filter persistence.WorkflowFilter) ([]*models.Workflow, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, newError("ListWorkflows", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", filter.Status), ErrInvalidStatus)
	}

	workflows, err := w.persistence.WorkflowRepository().ListWorkflows(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

func validStatus(status models.WorkflowStatus) bool {
	switch status {
	case models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusInactive,
		models.WorkflowStatusPaused, models.WorkflowStatusError:
		return true
	default:
		return false
	}
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return w.persistence.WorkflowRepository().GetByID(ctx, id)
}

// Create stores a new draft workflow at version 1.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	workflow.Status = models.WorkflowStatusDraft
	workflow.Version = 1
	workflow.ConsecutiveFailures = 0
	workflow.PublishedAt = nil

	if err := w.check("Create", workflow); err != nil {
		return nil, err
	}

	for _, t := range workflow.Triggers {
		t.TriggerCount = 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.persistence.WorkflowRepository().GetByID(ctx, workflow.ID); err == nil {
		return nil, persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	} else if !persistence.IsWorkflowNotFound(err) {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "workflow created", "workflow_id", workflow.ID, "steps", len(workflow.Steps))

	return workflow, nil
}

// Update replaces the definition of a workflow and bumps its version. Runs in
// flight keep the version they started with. An active workflow must still
// compile after the change.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.ID = workflowID
	workflow.Status = existing.Status
	workflow.Version = existing.Version + 1
	workflow.ConsecutiveFailures = existing.ConsecutiveFailures
	workflow.CreatedAt = existing.CreatedAt
	workflow.PublishedAt = existing.PublishedAt

	if err := w.check("Update", workflow); err != nil {
		return nil, err
	}

	for _, t := range workflow.Triggers {
		t.TriggerCount = 0
		if prev := existing.Trigger(t.ID); prev != nil {
			t.TriggerCount = prev.TriggerCount
		}
	}

	if workflow.IsActive() {
		if _, err := graph.Compile(workflow, w.compileOpts...); err != nil {
			return nil, err
		}
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	if w.graphs != nil {
		w.graphs.Invalidate(workflowID, existing.Version)
	}

	w.logger.InfoContext(ctx, "workflow updated", "workflow_id", workflowID, "version", workflow.Version)

	return workflow, nil
}

// Delete removes a workflow once none of its executions remain unarchived.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	active, err := w.persistence.ExecutionRepository().CountActiveExecutions(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to count executions: %w", err)
	}

	if active > 0 {
		return newError("Delete", "EXECUTIONS_EXIST",
			fmt.Sprintf("workflow %s has %d non-archived executions", workflowID, active), ErrExecutionsExist)
	}

	if err := w.persistence.WorkflowRepository().Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	if w.graphs != nil {
		w.graphs.Invalidate(workflowID, existing.Version)
	}

	w.logger.InfoContext(ctx, "workflow deleted", "workflow_id", workflowID)

	return nil
}

// ArchiveExecutions marks the workflow's finished executions archived.
func (w *Workflow) ArchiveExecutions(ctx context.Context, workflowID string) (int, error) {
	if _, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID); err != nil {
		return 0, err
	}

	n, err := w.persistence.ExecutionRepository().ArchiveExecutions(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to archive executions: %w", err)
	}

	return n, nil
}

// check validates struct tags and the cheap invariants the API reports as 400s.
func (w *Workflow) check(op string, workflow *models.Workflow) error {
	if strings.TrimSpace(workflow.Name) == "" {
		return newError(op, "NAME_REQUIRED", "workflow name is required", ErrWorkflowNameRequired)
	}

	if len(workflow.Steps) == 0 {
		return newError(op, "STEPS_REQUIRED", "workflow must have at least one step", ErrStepsRequired)
	}

	if err := w.validate.Struct(workflow); err != nil {
		return newError(op, "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	return nil
}
