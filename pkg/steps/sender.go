package steps

import (
	"context"
	"log/slog"

	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/events"
)

// Message is a resolved email or notification ready for delivery.
type Message struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	Kind        string
	Channel     string
	To          string
	Subject     string
	Body        string
	Variables   map[string]any
}

// Sender is the delivery collaborator. It does not retry; retries belong to the step's policy.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("sender", "log")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "delivering message",
		"kind", msg.Kind,
		"channel", msg.Channel,
		"to", msg.To,
		"subject", msg.Subject,
		"execution_id", msg.ExecutionID,
		"step_id", msg.StepID,
	)

	return nil
}

// EventBusSender hands messages to an external delivery service through the event bus.
type EventBusSender struct {
	publisher eventbus.EventPublisher
}

func NewEventBusSender(publisher eventbus.EventPublisher) *EventBusSender {
	return &EventBusSender{publisher: publisher}
}

func (s *EventBusSender) Send(ctx context.Context, msg Message) error {
	event := events.NotificationRequested{
		BaseEvent:   events.NewBaseEvent(events.NotificationRequestedEvent, msg.WorkflowID),
		ExecutionID: msg.ExecutionID,
		StepID:      msg.StepID,
		Kind:        msg.Kind,
		Channel:     msg.Channel,
		To:          msg.To,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Variables:   msg.Variables,
	}

	return s.publisher.Publish(ctx, msg.ExecutionID, event)
}
