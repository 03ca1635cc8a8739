package models

import "time"

// ExecutionStatus is the state of a whole run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// WorkflowExecution is one instantiation of a workflow for one trigger event.
// It is append-only once terminal.
type WorkflowExecution struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	TenantID        string           `json:"tenant_id,omitempty"`
	Status          ExecutionStatus  `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TriggeredBy     string           `json:"triggered_by,omitempty"`
	TriggerType     TriggerType      `json:"trigger_type"`
	TriggerID       string           `json:"trigger_id,omitempty"`
	Payload         map[string]any   `json:"payload,omitempty"`
	Steps           []*ExecutionStep `json:"steps"`
	Error           string           `json:"error,omitempty"`
	Archived        bool             `json:"archived"`
}

// ExecutionStep records one step's outcome within a run.
type ExecutionStep struct {
	ID          string     `json:"id"`
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Output      any        `json:"output,omitempty"`
	Attempts    int        `json:"attempts"`
}

// Step returns the record for the given workflow step id or nil.
func (e *WorkflowExecution) Step(stepID string) *ExecutionStep {
	for _, s := range e.Steps {
		if s.StepID == stepID {
			return s
		}
	}

	return nil
}

// Clone returns a copy safe to hand to readers while the coordinator keeps writing.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}

	out := *e
	out.Payload = CopyMap(e.Payload)

	out.Steps = make([]*ExecutionStep, len(e.Steps))
	for i, s := range e.Steps {
		sc := *s
		out.Steps[i] = &sc
	}

	if e.CompletedAt != nil {
		c := *e.CompletedAt
		out.CompletedAt = &c
	}

	return &out
}

// StepStatuses returns the status of every recorded step in record order.
func (e *WorkflowExecution) StepStatuses() []StepStatus {
	out := make([]StepStatus, len(e.Steps))
	for i, s := range e.Steps {
		out[i] = s.Status
	}

	return out
}
