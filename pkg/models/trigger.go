package models

// TriggerType is the kind of external event that starts a run.
type TriggerType string

const (
	TriggerTypeEvent     TriggerType = "event"
	TriggerTypeSchedule  TriggerType = "schedule"
	TriggerTypeWebhook   TriggerType = "webhook"
	TriggerTypeAPI       TriggerType = "api"
	TriggerTypeManual    TriggerType = "manual"
	TriggerTypeCondition TriggerType = "condition"
)

// WorkflowTrigger binds an external event to a workflow.
//
// Configuration keys by type: schedule uses "cron" and optional "payload";
// event uses "topic" and optional "filter"; webhook and api accept an optional
// JSON "schema" for payload validation and "rate_limit" (requests per second).
type WorkflowTrigger struct {
	ID            string         `json:"id"            validate:"required"`
	Type          TriggerType    `json:"type"          validate:"required,oneof=event schedule webhook api manual condition"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Enabled       bool           `json:"enabled"`
	TriggerCount  int64          `json:"trigger_count"`
}

// TriggerEvent is what a trigger delivers to the coordinator.
type TriggerEvent struct {
	TriggerID   string         `json:"trigger_id,omitempty"`
	TriggerType TriggerType    `json:"trigger_type"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}
