// Package triggers turns manual calls, webhooks, cron schedules and domain
// events into workflow runs.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/studyhub/automation/pkg/coordinator"
	"github.com/studyhub/automation/pkg/lock"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"
)

var (
	ErrWorkflowInactive = errors.New("workflow is not active")
	ErrTriggerDisabled  = errors.New("trigger is disabled")
	ErrTriggerMismatch  = errors.New("trigger type does not match entry point")
	ErrNoManualTrigger  = errors.New("workflow has no enabled manual or api trigger")
	ErrRateLimited      = errors.New("trigger rate limit exceeded")
	ErrInvalidPayload   = errors.New("payload does not match trigger schema")
)

// PayloadError lists the schema violations of a rejected payload.
type PayloadError struct {
	TriggerID string
	Details   []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("trigger %s: %s: %s", e.TriggerID, ErrInvalidPayload, strings.Join(e.Details, "; "))
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// Starter begins a run; *coordinator.Coordinator implements it.
type Starter interface {
	Start(ctx context.Context, workflow *models.Workflow, event models.TriggerEvent) (*coordinator.Handle, error)
}

// Listener validates trigger deliveries and hands them to the coordinator.
type Listener struct {
	logger    *slog.Logger
	workflows persistence.WorkflowRepository
	starter   Starter

	mu       sync.Mutex
	limiters map[string]*limiter
	schemas  map[string]*gojsonschema.Schema

	scheduler *Scheduler

	deliveries  lock.Locker
	deliveryTTL time.Duration
}

const defaultDeliveryTTL = 24 * time.Hour

type Option func(*Listener)

// WithDeliveryLocker sets where event deliveries are claimed, so a redelivered
// event never starts the same workflow trigger twice. Defaults to an
// in-process lock.
func WithDeliveryLocker(locker lock.Locker) Option {
	return func(l *Listener) {
		l.deliveries = locker
	}
}

// WithDeliveryTTL is how long a delivery claim is remembered.
func WithDeliveryTTL(ttl time.Duration) Option {
	return func(l *Listener) {
		if ttl > 0 {
			l.deliveryTTL = ttl
		}
	}
}

type limiter struct {
	perSecond float64
	*rate.Limiter
}

func NewListener(logger *slog.Logger, workflows persistence.WorkflowRepository, starter Starter, opts ...Option) *Listener {
	l := &Listener{
		logger:      logger.With("module", "triggers"),
		workflows:   workflows,
		starter:     starter,
		limiters:    make(map[string]*limiter),
		schemas:     make(map[string]*gojsonschema.Schema),
		deliveryTTL: defaultDeliveryTTL,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.deliveries == nil {
		l.deliveries = lock.NewLocal()
	}

	l.scheduler = newScheduler(l)

	return l
}

// Scheduler returns the cron scheduler driving schedule triggers.
func (l *Listener) Scheduler() *Scheduler {
	return l.scheduler
}

// Fire starts a run of workflowID for triggerID. Only active workflows with an
// enabled trigger start runs; the trigger count is bumped once the run exists.
func (l *Listener) Fire(ctx context.Context, workflowID, triggerID, triggeredBy string, payload map[string]any) (*coordinator.Handle, error) {
	workflow, err := l.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	trigger := workflow.Trigger(triggerID)
	if trigger == nil {
		return nil, persistence.NewWorkflowError("Fire", workflowID, persistence.ErrTriggerNotFound)
	}

	return l.fire(ctx, workflow, trigger, triggeredBy, payload)
}

// FireManual starts a run from the API. An empty triggerID selects the first
// enabled manual or api trigger.
func (l *Listener) FireManual(ctx context.Context, workflowID, triggerID, triggeredBy string, payload map[string]any) (*coordinator.Handle, error) {
	workflow, err := l.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	trigger, err := manualTrigger(workflow, triggerID)
	if err != nil {
		return nil, err
	}

	return l.fire(ctx, workflow, trigger, triggeredBy, payload)
}

func manualTrigger(workflow *models.Workflow, triggerID string) (*models.WorkflowTrigger, error) {
	if triggerID != "" {
		trigger := workflow.Trigger(triggerID)
		if trigger == nil {
			return nil, persistence.NewWorkflowError("FireManual", workflow.ID, persistence.ErrTriggerNotFound)
		}

		if trigger.Type != models.TriggerTypeManual && trigger.Type != models.TriggerTypeAPI {
			return nil, fmt.Errorf("trigger %s is %s: %w", trigger.ID, trigger.Type, ErrTriggerMismatch)
		}

		return trigger, nil
	}

	for _, t := range workflow.Triggers {
		if t.Enabled && (t.Type == models.TriggerTypeManual || t.Type == models.TriggerTypeAPI) {
			return t, nil
		}
	}

	return nil, ErrNoManualTrigger
}

// FireWebhook starts a run for a webhook delivery.
func (l *Listener) FireWebhook(ctx context.Context, workflowID, triggerID, remote string, payload map[string]any) (*coordinator.Handle, error) {
	workflow, err := l.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	trigger := workflow.Trigger(triggerID)
	if trigger == nil {
		return nil, persistence.NewWorkflowError("FireWebhook", workflowID, persistence.ErrTriggerNotFound)
	}

	if trigger.Type != models.TriggerTypeWebhook {
		return nil, fmt.Errorf("trigger %s is %s: %w", trigger.ID, trigger.Type, ErrTriggerMismatch)
	}

	return l.fire(ctx, workflow, trigger, "webhook:"+remote, payload)
}

func (l *Listener) fire(ctx context.Context, workflow *models.Workflow, trigger *models.WorkflowTrigger, triggeredBy string, payload map[string]any) (*coordinator.Handle, error) {
	logger := l.logger.With("workflow_id", workflow.ID, "trigger_id", trigger.ID, "trigger_type", trigger.Type)

	if !workflow.IsActive() {
		return nil, fmt.Errorf("workflow %s is %s: %w", workflow.ID, workflow.Status, ErrWorkflowInactive)
	}

	if !trigger.Enabled {
		return nil, fmt.Errorf("trigger %s: %w", trigger.ID, ErrTriggerDisabled)
	}

	if payload == nil {
		payload = map[string]any{}
	}

	if err := l.validatePayload(workflow, trigger, payload); err != nil {
		logger.InfoContext(ctx, "rejected trigger payload", "error", err)

		return nil, err
	}

	if !l.allow(workflow, trigger) {
		return nil, fmt.Errorf("trigger %s: %w", trigger.ID, ErrRateLimited)
	}

	handle, err := l.starter.Start(ctx, workflow, models.TriggerEvent{
		TriggerID:   trigger.ID,
		TriggerType: trigger.Type,
		TriggeredBy: triggeredBy,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	if err := l.workflows.IncrementTriggerCount(ctx, workflow.ID, trigger.ID); err != nil {
		logger.ErrorContext(ctx, "failed to increment trigger count", "execution_id", handle.ExecutionID, "error", err)
	}

	logger.InfoContext(ctx, "trigger fired", "execution_id", handle.ExecutionID, "triggered_by", triggeredBy)

	return handle, nil
}
