package web

import (
	"time"

	"github.com/studyhub/automation/pkg/models"
)

// TriggerRequest is the body of POST /workflows/:id/trigger. An empty
// trigger_id selects the workflow's first enabled manual or api trigger.
type TriggerRequest struct {
	TriggerID   string         `json:"trigger_id,omitempty"`
	TriggeredBy string         `json:"triggered_by,omitempty" validate:"omitempty,max=200"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// ExecutionAccepted is returned with 202 when a trigger starts a run.
type ExecutionAccepted struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      models.ExecutionStatus `json:"status"`
	Location    string                 `json:"location"`
}

// ExecutionSummary is the list view of a run.
type ExecutionSummary struct {
	ID          string                 `json:"id"`
	Status      models.ExecutionStatus `json:"status"`
	TriggerType models.TriggerType     `json:"trigger_type"`
	TriggeredBy string                 `json:"triggered_by,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Archived    bool                   `json:"archived"`
	Steps       []models.StepStatus    `json:"steps"`
}

func summarize(e *models.WorkflowExecution) ExecutionSummary {
	return ExecutionSummary{
		ID:          e.ID,
		Status:      e.Status,
		TriggerType: e.TriggerType,
		TriggeredBy: e.TriggeredBy,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Error:       e.Error,
		Archived:    e.Archived,
		Steps:       e.StepStatuses(),
	}
}
