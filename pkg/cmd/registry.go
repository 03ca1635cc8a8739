// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"os"

	logaction "github.com/studyhub/automation/pkg/actions/log"
	"github.com/studyhub/automation/pkg/actions/script"
	"github.com/studyhub/automation/pkg/actions/transform"
	"github.com/studyhub/automation/pkg/registry"
)

func registerNativeActions(reg *registry.Registry) {
	reg.RegisterAction(transform.NewActionFactory())
	reg.RegisterAction(logaction.NewActionFactory())
	reg.RegisterAction(script.NewActionFactory())
}

// NewRegistry registers the built-in actions, then any plugins under
// pluginsPath. A missing plugins directory is not an error.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	registerNativeActions(reg)

	if pluginsPath == "" {
		return reg, nil
	}

	if _, err := os.Stat(pluginsPath); os.IsNotExist(err) {
		log.Debug("plugins path not found", "path", pluginsPath)

		return reg, nil
	}

	loaded, err := reg.LoadActionPlugins(pluginsPath)
	if err != nil {
		return nil, err
	}

	log.Info("action plugins loaded", "count", loaded, "actions", reg.ActionIDs())

	return reg, nil
}
