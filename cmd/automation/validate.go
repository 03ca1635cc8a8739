package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/studyhub/automation/pkg/cmd"
	"github.com/studyhub/automation/pkg/config"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/log"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/registry"
	"github.com/studyhub/automation/pkg/triggers"
	cli "github.com/urfave/cli/v3"
)

var errInvalidDefinitions = errors.New("invalid workflow definitions")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Compile workflow definition files without running them",
		ArgsUsage: "<file or directory>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing action plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errors.New("a definition file or directory is required")
			}

			reg, err := cmd.NewRegistry(log.WithModule("validate"), command.String("plugins-path"))
			if err != nil {
				return err
			}

			workflows, err := loadDefinitions(path)
			if err != nil {
				return err
			}

			return validateDefinitions(command.Root().Writer, reg, workflows)
		},
	}
}

func loadDefinitions(path string) ([]*models.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return config.LoadDir(path)
	}

	return config.LoadFile(path)
}

// validateDefinitions prints one line per workflow and fails if any of them
// does not compile or has a bad cron expression.
func validateDefinitions(w io.Writer, reg *registry.Registry, workflows []*models.Workflow) error {
	invalid := 0

	for _, wf := range workflows {
		name := wf.Name
		if wf.ID != "" {
			name = wf.ID
		}

		errs := checkDefinition(reg, wf)
		if len(errs) == 0 {
			_, _ = fmt.Fprintf(w, "ok      %s\n", name)

			continue
		}

		invalid++

		for _, err := range errs {
			_, _ = fmt.Fprintf(w, "invalid %s: %v\n", name, err)
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d: %w", invalid, len(workflows), errInvalidDefinitions)
	}

	return nil
}

func checkDefinition(reg *registry.Registry, wf *models.Workflow) []error {
	var errs []error

	if _, err := graph.Compile(wf, graph.WithActionLookup(reg.HasAction)); err != nil {
		errs = append(errs, err)
	}

	for _, t := range wf.Triggers {
		if t.Type != models.TriggerTypeSchedule {
			continue
		}

		spec, _ := t.Configuration["cron"].(string)
		if err := triggers.ValidateSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.ID, err))
		}
	}

	return errs
}
