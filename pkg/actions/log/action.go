// Package logaction provides the "log" action: it writes a templated message to the run logger.
package logaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/studyhub/automation/pkg/protocol"
	"github.com/studyhub/automation/pkg/template"
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "log"
}

func (f *ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	if params == nil {
		params = map[string]any{}
	}

	return NewAction(params)
}

type Action struct {
	Message string
	Level   slog.Level
}

func NewAction(params map[string]any) (*Action, error) {
	message, _ := params["message"].(string)

	level := slog.LevelInfo
	if raw, ok := params["level"].(string); ok && raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(raw))); err != nil {
			return nil, fmt.Errorf("invalid log level %q", raw)
		}
	}

	return &Action{Message: message, Level: level}, nil
}

func (a *Action) Execute(ctx context.Context, run map[string]any, logger *slog.Logger) (any, error) {
	message := a.Message
	if message == "" {
		message = "log action"
	}

	rendered, err := template.ResolveString(message, run)
	if err != nil {
		return nil, err
	}

	logger.Log(ctx, a.Level, rendered, "action_type", "log")

	return map[string]any{
		"message": rendered,
		"level":   strings.ToLower(a.Level.String()),
	}, nil
}
