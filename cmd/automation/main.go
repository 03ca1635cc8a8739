package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/studyhub/automation/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	// A missing .env is fine; the environment and flags still apply.
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  "automation",
		Usage:                 "Run and manage studio workflow automation",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewAPICommand(),
			NewWorkerCommand(),
			NewValidateCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engineFlags are shared by every command that runs workflows.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (postgres://... or a directory)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for execution leases across instances (in-process when empty)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "run-timeout",
			Usage:   "Deadline for runs of workflows without their own timeout (0 disables)",
			Sources: cli.EnvVars("RUN_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "step-timeout",
			Usage:   "Default per-attempt timeout for steps without their own",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("STEP_TIMEOUT"),
		},
		&cli.IntFlag{
			Name:    "max-parallel-steps",
			Usage:   "Maximum steps of one run executing at the same time",
			Value:   8,
			Sources: cli.EnvVars("MAX_PARALLEL_STEPS"),
		},
		&cli.StringFlag{
			Name:    "plugins-path",
			Usage:   "Path to the directory containing action plugins",
			Value:   "./plugins",
			Sources: cli.EnvVars("PLUGINS_PATH"),
		},
		&cli.StringFlag{
			Name:    "definitions",
			Usage:   "Directory of workflow definition files imported and published at startup",
			Sources: cli.EnvVars("DEFINITIONS_PATH"),
		},
		&cli.DurationFlag{
			Name:    "reap-interval",
			Usage:   "How often running executions without a live lease are failed (0 reaps only at startup)",
			Value:   time.Minute,
			Sources: cli.EnvVars("REAP_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "reap-orphans",
			Usage:   "Reap orphaned executions with in-process leases; only safe when a single engine uses the database",
			Sources: cli.EnvVars("REAP_ORPHANS"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces (configured by OTEL_EXPORTER_OTLP_* variables)",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for in-flight runs on shutdown",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
		},
	}
}
