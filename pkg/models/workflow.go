// Package models defines the automation domain: workflow definitions, triggers and execution records
package models

import "time"

// DefaultErrorThreshold is the number of consecutive failed runs that moves a workflow to error.
const DefaultErrorThreshold = 3

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Published, accepts triggers
	WorkflowStatusInactive WorkflowStatus = "inactive" // Deactivated by an operator
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Temporarily halted by an operator
	WorkflowStatusError    WorkflowStatus = "error"    // Too many consecutive failed runs
)

// WorkflowCategory groups workflows in the owner portal.
type WorkflowCategory string

const (
	CategoryBilling    WorkflowCategory = "billing"
	CategorySecurity   WorkflowCategory = "security"
	CategoryOperations WorkflowCategory = "operations"
	CategoryCompliance WorkflowCategory = "compliance"
	CategoryAttendance WorkflowCategory = "attendance"
	CategoryGeneral    WorkflowCategory = "general"
)

// Workflow is a named, versioned automation definition. It owns its steps and triggers.
type Workflow struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"                  validate:"required,min=3"`
	Description         string             `json:"description,omitempty"`
	Category            WorkflowCategory   `json:"category"              validate:"required,oneof=billing security operations compliance attendance general"`
	Status              WorkflowStatus     `json:"status"                validate:"required,oneof=draft active inactive paused error"`
	TenantID            string             `json:"tenant_id,omitempty"`
	Version             int                `json:"version"`
	Steps               []*WorkflowStep    `json:"steps"                 validate:"required,min=1,dive"`
	Triggers            []*WorkflowTrigger `json:"triggers"              validate:"dive"`
	Timeout             Duration           `json:"timeout,omitempty"`
	ErrorThreshold      int                `json:"error_threshold,omitempty" validate:"gte=0"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	PublishedAt         *time.Time         `json:"published_at,omitempty"`
}

// Step returns the step with the given id or nil.
func (w *Workflow) Step(id string) *WorkflowStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}

	return nil
}

// Trigger returns the trigger with the given id or nil.
func (w *Workflow) Trigger(id string) *WorkflowTrigger {
	for _, t := range w.Triggers {
		if t.ID == id {
			return t
		}
	}

	return nil
}

func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusActive
}

// Threshold returns the configured error threshold, falling back to DefaultErrorThreshold.
func (w *Workflow) Threshold() int {
	if w.ErrorThreshold > 0 {
		return w.ErrorThreshold
	}

	return DefaultErrorThreshold
}

// Clone returns a deep copy. Runs pin a clone so later edits never reach in-flight executions.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}

	out := *w

	out.Steps = make([]*WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		out.Steps[i] = s.Clone()
	}

	out.Triggers = make([]*WorkflowTrigger, len(w.Triggers))
	for i, t := range w.Triggers {
		tc := *t
		tc.Configuration = CopyMap(t.Configuration)
		out.Triggers[i] = &tc
	}

	if w.PublishedAt != nil {
		p := *w.PublishedAt
		out.PublishedAt = &p
	}

	return &out
}

// CopyMap deep copies nested maps and slices of a JSON-like value tree.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}

	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}

		return out
	default:
		return v
	}
}
