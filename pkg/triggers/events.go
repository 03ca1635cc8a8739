package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/studyhub/automation/pkg/condition"
	"github.com/studyhub/automation/pkg/coordinator"
	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/events"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/lock"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
)

// Register wires event and condition triggers to external events and resyncs
// schedules whenever a workflow is published or changes status.
func (l *Listener) Register(bus eventbus.EventSubscriber) error {
	if err := bus.Handle(events.ExternalEventType, func(ctx context.Context, event any) error {
		ev, ok := event.(*events.ExternalEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		_, err := l.HandleExternal(ctx, ev)

		return err
	}); err != nil {
		return err
	}

	resync := func(ctx context.Context, _ any) error {
		return l.scheduler.Sync(ctx)
	}

	if err := bus.Handle(events.WorkflowPublishedEvent, resync); err != nil {
		return err
	}

	return bus.Handle(events.WorkflowStatusChangedEvent, resync)
}

// HandleExternal starts a run for every active workflow with an enabled event
// trigger on ev.Name, or a condition trigger that holds for ev.Payload. It
// returns the execution ids started.
//
// Each (event, workflow, trigger) delivery is claimed before its run starts, so
// a redelivered event only retries the triggers that did not start. An error is
// returned only when no run started and a retry could succeed.
func (l *Listener) HandleExternal(ctx context.Context, ev *events.ExternalEvent) ([]string, error) {
	workflows, err := l.workflows.ListWorkflows(ctx, persistence.WorkflowFilter{Status: models.WorkflowStatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	evaluator := condition.New()

	var (
		started []string
		errs    []error
	)

	for _, wf := range workflows {
		if ev.TenantID != "" && wf.TenantID != "" && ev.TenantID != wf.TenantID {
			continue
		}

		for _, t := range wf.Triggers {
			if !t.Enabled || !l.matches(ctx, evaluator, t, ev) {
				continue
			}

			logger := l.logger.With("workflow_id", wf.ID, "trigger_id", t.ID, "event", ev.Name, "event_id", ev.ID)

			claim, err := l.claimDelivery(ctx, ev, wf, t)
			if errors.Is(err, lock.ErrHeld) {
				logger.DebugContext(ctx, "event delivery already handled")

				continue
			}

			if err != nil {
				logger.WarnContext(ctx, "failed to claim event delivery", "error", err)
				errs = append(errs, err)

				continue
			}

			handle, err := l.fire(ctx, wf, t, "event:"+ev.Name, models.CopyMap(ev.Payload))
			if err != nil {
				logger.WarnContext(ctx, "event trigger did not start a run", "error", err)

				if retryable(err) {
					l.releaseDelivery(ctx, logger, claim)

					errs = append(errs, err)
				}

				continue
			}

			started = append(started, handle.ExecutionID)
		}
	}

	if len(started) > 0 {
		return started, nil
	}

	return started, errors.Join(errs...)
}

// claimDelivery returns a nil lease for events without an id.
//
//nolint:ireturn
func (l *Listener) claimDelivery(ctx context.Context, ev *events.ExternalEvent, wf *models.Workflow, t *models.WorkflowTrigger) (lock.Lease, error) {
	if ev.ID == "" {
		return nil, nil
	}

	return l.deliveries.Acquire(ctx, "delivery:"+ev.ID+":"+wf.ID+":"+t.ID, l.deliveryTTL)
}

func (l *Listener) releaseDelivery(ctx context.Context, logger *slog.Logger, claim lock.Lease) {
	if claim == nil {
		return
	}

	if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
		logger.WarnContext(ctx, "failed to release event delivery", "error", err)
	}
}

// retryable reports whether redelivering the event could start the run.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrWorkflowInactive),
		errors.Is(err, ErrTriggerDisabled),
		errors.Is(err, coordinator.ErrShuttingDown),
		graph.IsCompileError(err):
		return false
	default:
		return true
	}
}

func (l *Listener) matches(ctx context.Context, evaluator *condition.Evaluator, t *models.WorkflowTrigger, ev *events.ExternalEvent) bool {
	var key string

	switch t.Type {
	case models.TriggerTypeEvent:
		topic, _ := t.Configuration["topic"].(string)
		if topic != ev.Name {
			return false
		}

		key = "filter"
	case models.TriggerTypeCondition:
		if topic, _ := t.Configuration["topic"].(string); topic != "" && topic != ev.Name {
			return false
		}

		key = "condition"
	default:
		return false
	}

	raw, ok := t.Configuration[key].(map[string]any)
	if !ok {
		return t.Type == models.TriggerTypeEvent
	}

	cfg, err := models.DecodeStepConfig(&models.WorkflowStep{
		ID:            t.ID,
		Type:          models.StepTypeCondition,
		Configuration: raw,
	})
	if err != nil {
		l.logger.WarnContext(ctx, "invalid trigger condition", "trigger_id", t.ID, "error", err)

		return false
	}

	cond, ok := cfg.(models.ConditionConfig)
	if !ok {
		return false
	}

	passed, err := evaluator.Evaluate(cond, ev.Payload)
	if err != nil {
		l.logger.DebugContext(ctx, "trigger condition not evaluable", "trigger_id", t.ID, "error", err)

		return false
	}

	return passed
}
