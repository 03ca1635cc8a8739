// Package events defines the lifecycle events published on the event bus.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/models"
)

type EventType string

// Topic carries every automation event.
const Topic = "automation.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowPublishedEvent     EventType = "workflow.published"
	WorkflowStatusChangedEvent EventType = "workflow.status_changed"

	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionStepEvent      EventType = "execution.step"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Hand-off to the delivery collaborator for email and notification steps.
	NotificationRequestedEvent EventType = "notification.requested"

	// Domain events from other services; "event" triggers start runs on them.
	ExternalEventType EventType = "external.event"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type WorkflowPublished struct {
	BaseEvent

	Version int `json:"version"`
}

func (w WorkflowPublished) GetType() EventType {
	return WorkflowPublishedEvent
}

type WorkflowStatusChanged struct {
	BaseEvent

	From   models.WorkflowStatus `json:"from"`
	To     models.WorkflowStatus `json:"to"`
	Reason string                `json:"reason,omitempty"`
}

func (w WorkflowStatusChanged) GetType() EventType {
	return WorkflowStatusChangedEvent
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string             `json:"execution_id"`
	TriggerID   string             `json:"trigger_id,omitempty"`
	TriggerType models.TriggerType `json:"trigger_type"`
	TriggeredBy string             `json:"triggered_by,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionStep is emitted whenever a step reaches a terminal state.
type ExecutionStep struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      models.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
}

func (e ExecutionStep) GetType() EventType {
	return ExecutionStepEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	StepsRun    int    `json:"steps_run"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error"`
	FailedStep  string `json:"failed_step,omitempty"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	DurationMs  int64  `json:"duration_ms"`
	Reason      string `json:"reason,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// NotificationRequested asks the delivery collaborator to send a message.
type NotificationRequested struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Kind        string         `json:"kind"` // email or notification
	Channel     string         `json:"channel,omitempty"`
	To          string         `json:"to"`
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body"`
	Variables   map[string]any `json:"variables,omitempty"`
}

func (n NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

// ExternalEvent is a named domain event, e.g. "member.checked_in".
type ExternalEvent struct {
	BaseEvent

	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e ExternalEvent) GetType() EventType {
	return ExternalEventType
}
