// Package transform provides the "transform" action: it reshapes context data with a Go template.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/studyhub/automation/pkg/protocol"
	"github.com/studyhub/automation/pkg/template"
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (h *ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	return NewAction(params)
}

func (h *ActionFactory) ID() string {
	return "transform"
}

// Action renders Expression against Input. Input is a context field path;
// when empty the whole run context is used.
type Action struct {
	Input      string
	Expression string
}

func NewAction(params map[string]any) (*Action, error) {
	input, _ := params["input"].(string)
	expression, _ := params["expression"].(string)

	if expression == "" {
		return nil, errors.New("missing required param 'expression'")
	}

	return &Action{
		Input:      input,
		Expression: expression,
	}, nil
}

func (a *Action) Execute(_ context.Context, run map[string]any, logger *slog.Logger) (any, error) {
	logger = logger.With("action_type", "transform")

	data, err := a.extract(run)
	if err != nil {
		return nil, fmt.Errorf("failed to get input data: %w", err)
	}

	result, err := template.Render(a.Expression, data)
	if err != nil {
		return nil, fmt.Errorf("transformation failed: %w", err)
	}

	logger.Debug("transform completed")

	return result, nil
}

func (a *Action) extract(run map[string]any) (any, error) {
	if a.Input == "" {
		return run, nil
	}

	value, ok := template.Lookup(run, a.Input)
	if !ok {
		return nil, &template.FieldError{Path: a.Input}
	}

	return value, nil
}
