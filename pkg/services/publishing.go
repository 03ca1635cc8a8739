package services

import (
	"context"
	"fmt"
	"time"

	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/events"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/models"
)

// Publish compiles the workflow and, on success, makes it active so its
// triggers start runs. Publishing clears the consecutive failure counter.
func (w *Workflow) Publish(ctx context.Context, workflowID string) (*models.Workflow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if _, err := graph.Compile(workflow, w.compileOpts...); err != nil {
		return nil, err
	}

	from := workflow.Status
	now := time.Now().UTC()

	workflow.Status = models.WorkflowStatusActive
	workflow.ConsecutiveFailures = 0
	workflow.PublishedAt = &now

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	base := events.NewBaseEvent(events.WorkflowPublishedEvent, workflow.ID)
	base.TenantID = workflow.TenantID
	w.publish(ctx, workflow.ID, events.WorkflowPublished{BaseEvent: base, Version: workflow.Version})
	w.announce(ctx, workflow, from, "published")

	w.logger.InfoContext(ctx, "workflow published", "workflow_id", workflow.ID, "version", workflow.Version)

	return workflow, nil
}

// Pause stops an active workflow from starting runs until it is published again.
func (w *Workflow) Pause(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Pause", workflowID, models.WorkflowStatusPaused, "paused by operator",
		models.WorkflowStatusActive)
}

// Deactivate takes a workflow out of service.
func (w *Workflow) Deactivate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Deactivate", workflowID, models.WorkflowStatusInactive, "deactivated by operator",
		models.WorkflowStatusActive, models.WorkflowStatusPaused, models.WorkflowStatusError)
}

func (w *Workflow) transition(ctx context.Context, op, workflowID string, to models.WorkflowStatus, reason string, from ...models.WorkflowStatus) (*models.Workflow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	allowed := false

	for _, s := range from {
		if workflow.Status == s {
			allowed = true

			break
		}
	}

	if !allowed {
		return nil, newError(op, "INVALID_TRANSITION",
			fmt.Sprintf("cannot move workflow from %s to %s", workflow.Status, to), ErrInvalidTransition)
	}

	previous := workflow.Status
	workflow.Status = to

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow status: %w", err)
	}

	w.announce(ctx, workflow, previous, reason)

	return workflow, nil
}

// RecordOutcome tracks consecutive failed runs. A failed run increments the
// counter and moves an active workflow to error once the threshold is
// reached; a completed run resets it. It is registered as a coordinator
// completion hook.
func (w *Workflow) RecordOutcome(ctx context.Context, pinned *models.Workflow, execution *models.WorkflowExecution) {
	if execution.Status != models.ExecutionFailed && execution.Status != models.ExecutionCompleted {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, pinned.ID)
	if err != nil {
		w.logger.WarnContext(ctx, "cannot record run outcome", "workflow_id", pinned.ID, "execution_id", execution.ID, "error", err)

		return
	}

	previous := workflow.Status

	if execution.Status == models.ExecutionCompleted {
		if workflow.ConsecutiveFailures == 0 {
			return
		}

		workflow.ConsecutiveFailures = 0
	} else {
		workflow.ConsecutiveFailures++

		if workflow.IsActive() && workflow.ConsecutiveFailures >= workflow.Threshold() {
			workflow.Status = models.WorkflowStatusError
		}
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		w.logger.ErrorContext(ctx, "failed to record run outcome", "workflow_id", workflow.ID, "execution_id", execution.ID, "error", err)

		return
	}

	if workflow.Status != previous {
		w.logger.WarnContext(ctx, "workflow disabled after consecutive failures",
			"workflow_id", workflow.ID,
			"failures", workflow.ConsecutiveFailures,
			"threshold", workflow.Threshold(),
		)

		w.announce(ctx, workflow, previous, fmt.Sprintf("%d consecutive failed runs", workflow.ConsecutiveFailures))
	}
}

func (w *Workflow) announce(ctx context.Context, workflow *models.Workflow, from models.WorkflowStatus, reason string) {
	if from == workflow.Status {
		return
	}

	base := events.NewBaseEvent(events.WorkflowStatusChangedEvent, workflow.ID)
	base.TenantID = workflow.TenantID

	w.publish(ctx, workflow.ID, events.WorkflowStatusChanged{
		BaseEvent: base,
		From:      from,
		To:        workflow.Status,
		Reason:    reason,
	})
}

func (w *Workflow) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := w.publisher.Publish(ctx, key, event); err != nil {
		w.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "workflow_id", key, "error", err)
	}
}
