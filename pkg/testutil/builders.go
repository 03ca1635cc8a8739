// Package testutil provides test data builders and sample workflows for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/models"
)

// CreateTestWorkflow creates an active workflow with a manual trigger around the given steps.
func CreateTestWorkflow(steps []*models.WorkflowStep, overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:       uuid.New().String(),
		Name:     "Test Workflow",
		Category: models.CategoryGeneral,
		Status:   models.WorkflowStatusActive,
		Version:  1,
		Steps:    steps,
		Triggers: []*models.WorkflowTrigger{
			{ID: "manual", Type: models.TriggerTypeManual, Enabled: true},
		},
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// CreateTestStep creates an enabled step; config may be nil for marker types.
func CreateTestStep(id string, stepType models.StepType, config map[string]any, overrides ...func(*models.WorkflowStep)) *models.WorkflowStep {
	step := &models.WorkflowStep{
		ID:            id,
		Type:          stepType,
		Configuration: config,
		Enabled:       true,
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// LogStep is an action step running the built-in log action.
func LogStep(id string, overrides ...func(*models.WorkflowStep)) *models.WorkflowStep {
	return CreateTestStep(id, models.StepTypeAction, map[string]any{
		"action": "log",
		"params": map[string]any{"message": id},
	}, overrides...)
}

func WithNext(ids ...string) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.NextSteps = ids
	}
}

func WithParallel(ids ...string) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.ParallelSteps = ids
	}
}

func WithOnError(policy models.ErrorPolicy) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.OnError = policy
	}
}

func WithRetry(count int, delay time.Duration) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.OnError = models.OnErrorRetry
		s.RetryCount = count
		s.RetryDelay = models.Duration(delay)
	}
}

func WithTimeout(d time.Duration) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Timeout = models.Duration(d)
	}
}

func WithOrder(order int) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Order = order
	}
}

func Disabled() func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Enabled = false
	}
}

func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

func WithRunTimeout(d time.Duration) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Timeout = models.Duration(d)
	}
}

func WithTriggers(triggers ...*models.WorkflowTrigger) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Triggers = triggers
	}
}
