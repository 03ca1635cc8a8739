// Package protocol defines the contracts for pluggable step actions.
package protocol

import (
	"context"
	"log/slog"
)

// Action runs the side effect of an "action" step. run is the step's view of
// the run context: trigger payload plus upstream step outputs.
type Action interface {
	Execute(ctx context.Context, run map[string]any, logger *slog.Logger) (any, error)
}

// ActionFactory builds an Action from the step's params. Plugins export a
// symbol named "Action" implementing this interface.
type ActionFactory interface {
	Create(params map[string]any) (Action, error)
	ID() string
}
