package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewWorkerCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
	}, engineFlags()...)

	return &cli.Command{
		Name:  "worker",
		Usage: "Run schedule and event triggered workflows without the REST API",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.NewString()[:8]
			}

			logger := log.WithModule("worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing Automation worker")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := NewEngine(ctx, logger, engineConfig(command, "automation-worker"))
			if err != nil {
				return err
			}

			defer func() {
				if err := engine.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close engine", "error", err)
				}
			}()

			if err := engine.ImportDefinitions(ctx, command.String("definitions")); err != nil {
				return err
			}

			if err := engine.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutting down worker")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), command.Duration("shutdown-timeout"))
			defer cancel()

			return engine.Shutdown(shutdownCtx)
		},
	}
}
