package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/studyhub/automation/pkg/log"
	"github.com/studyhub/automation/pkg/web"
	cli "github.com/urfave/cli/v3"
)

type API struct {
	logger   *slog.Logger
	engine   *Engine
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, engine *Engine) *API {
	return &API{
		logger:   logger,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.engine.workflows,
		a.engine.executions,
		a.engine.listener,
		a.validate,
		a.engine.registry,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			_, ok := a.engine.workflows.HealthCheck(c.Context())

			return ok
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Automation API")
	})

	handlers.Register(app)

	return app
}

func NewAPICommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
	}, engineFlags()...)

	return &cli.Command{
		Name:  "api",
		Usage: "Serve the REST API and run triggered workflows",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing Automation API")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := NewEngine(ctx, logger, engineConfig(command, "automation-api"))
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

			app := NewAPI(logger, engine).App()
			listenErr := make(chan error, 1)

			go func() {
				listenErr <- app.Listen(":"+strconv.Itoa(command.Int("port")), fiber.ListenConfig{DisableStartupMessage: true})
			}()

			logger.InfoContext(ctx, "API listening", "port", command.Int("port"))

			select {
			case err = <-listenErr:
				logger.ErrorContext(ctx, "API server stopped", "error", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), command.Duration("shutdown-timeout"))
			defer cancel()

			return errors.Join(err, app.ShutdownWithContext(shutdownCtx), engine.Shutdown(shutdownCtx))
		},
	}
}
