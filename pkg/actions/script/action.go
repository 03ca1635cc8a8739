// Package script provides the "script" action: a JavaScript snippet evaluated with goja.
//
// The run context is exposed as the global $. The action's output is the value
// of the last expression, or $ itself when the script ends in a statement.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/protocol"
)

func NewActionFactory() *ActionFactory {
	return &ActionFactory{}
}

type ActionFactory struct{}

func (*ActionFactory) ID() string {
	return "script"
}

func (*ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	return NewAction(params)
}

type Action struct {
	Source string
}

func NewAction(params map[string]any) (*Action, error) {
	source, _ := params["script"].(string)
	if source == "" {
		return nil, errors.New("missing required param 'script'")
	}

	return &Action{Source: source}, nil
}

func (a *Action) Execute(ctx context.Context, run map[string]any, logger *slog.Logger) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := vm.Set("$", models.CopyMap(run)); err != nil {
		return nil, fmt.Errorf("failed to expose context: %w", err)
	}

	if err := vm.Set("log", func(msg string) {
		logger.InfoContext(ctx, msg, "action_type", "script")
	}); err != nil {
		return nil, fmt.Errorf("failed to expose log: %w", err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunString(a.Source)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("error executing javascript: %w", err)
	}

	if val == nil || goja.IsUndefined(val) {
		val = vm.Get("$")
	}

	// Normalize goja exports into plain JSON values.
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, fmt.Errorf("script result is not serializable: %w", err)
	}

	var output any
	if err := json.Unmarshal(res, &output); err != nil {
		return nil, err
	}

	return output, nil
}
