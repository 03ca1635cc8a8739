package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhub/automation/pkg/cmd"
	"github.com/studyhub/automation/pkg/config"
	"github.com/studyhub/automation/pkg/coordinator"
	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/lock"
	"github.com/studyhub/automation/pkg/otelhelper"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/registry"
	"github.com/studyhub/automation/pkg/services"
	"github.com/studyhub/automation/pkg/steps"
	"github.com/studyhub/automation/pkg/triggers"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const graphCacheTTL = time.Hour

// Engine is everything needed to run workflows: storage, the bus, the
// coordinator and the trigger listener.
type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	workflows   *services.Workflow
	executions  *services.Execution
	listener    *triggers.Listener

	reap         bool
	reapInterval time.Duration

	closers []func(ctx context.Context) error
}

// EngineConfig holds the engine flags.
type EngineConfig struct {
	ServiceName      string
	DatabaseURL      string
	EventBus         string
	KafkaBrokers     string
	RedisURL         string
	PluginsPath      string
	RunTimeout       time.Duration
	StepTimeout      time.Duration
	MaxParallelSteps int
	Tracing          bool
	ReapInterval     time.Duration
	ReapOrphans      bool // reap without a shared Redis lease store
}

func engineConfig(command *cli.Command, serviceName string) EngineConfig {
	return EngineConfig{
		ServiceName:      serviceName,
		DatabaseURL:      command.String("database-url"),
		EventBus:         command.String("event-bus"),
		KafkaBrokers:     command.String("kafka-brokers"),
		RedisURL:         command.String("redis-url"),
		PluginsPath:      command.String("plugins-path"),
		RunTimeout:       command.Duration("run-timeout"),
		StepTimeout:      command.Duration("step-timeout"),
		MaxParallelSteps: command.Int("max-parallel-steps"),
		Tracing:          command.Bool("tracing"),
		ReapInterval:     command.Duration("reap-interval"),
		ReapOrphans:      command.Bool("reap-orphans"),
	}
}

// NewEngine wires the engine. Close releases whatever was opened, also after a
// partial failure.
func NewEngine(ctx context.Context, logger *slog.Logger, cfg EngineConfig) (*Engine, error) {
	e := &Engine{
		logger:       logger,
		reap:         cfg.RedisURL != "" || cfg.ReapOrphans,
		reapInterval: cfg.ReapInterval,
	}

	if err := e.build(ctx, cfg); err != nil {
		_ = e.Close(context.WithoutCancel(ctx))

		return nil, err
	}

	return e, nil
}

func (e *Engine) build(ctx context.Context, cfg EngineConfig) error {
	reg, err := cmd.NewRegistry(e.logger, cfg.PluginsPath)
	if err != nil {
		return fmt.Errorf("failed to load action plugins: %w", err)
	}

	e.registry = reg

	p, err := cmd.NewPersistence(ctx, e.logger, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	e.persistence = p
	e.closers = append(e.closers, p.Close)

	bus, err := cmd.NewEventBus(cfg.EventBus, cfg.KafkaBrokers, cfg.ServiceName, e.logger)
	if err != nil {
		return err
	}

	e.eventBus = bus
	e.closers = append(e.closers, func(context.Context) error { return bus.Close() })

	var tracer trace.Tracer

	if cfg.Tracing {
		t, shutdown, err := otelhelper.NewTracer(ctx, cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		tracer = t
		e.closers = append(e.closers, shutdown)
	}

	locker, err := e.locker(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}

	compileOpts := []graph.Option{graph.WithActionLookup(reg.HasAction)}
	graphs := graph.NewCache(graphCacheTTL, compileOpts...)

	runner := steps.NewExecutor(e.logger,
		steps.WithActions(reg),
		steps.WithSender(steps.NewEventBusSender(bus)),
		steps.WithDefaultTimeout(cfg.StepTimeout),
	)

	e.workflows = services.NewWorkflow(e.logger, p,
		services.WithGraphCache(graphs),
		services.WithCompileOptions(compileOpts...),
		services.WithPublisher(bus),
	)

	coordOpts := []coordinator.Option{
		coordinator.WithGraphCache(graphs),
		coordinator.WithLocker(locker),
		coordinator.WithPublisher(bus),
		coordinator.WithMaxParallel(cfg.MaxParallelSteps),
		coordinator.WithRunTimeout(cfg.RunTimeout),
		coordinator.WithCompletionHook(e.workflows.RecordOutcome),
	}

	if tracer != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(tracer))
	}

	e.coordinator = coordinator.New(e.logger, runner, p.ExecutionRepository(), coordOpts...)
	e.executions = services.NewExecution(p, e.coordinator)
	e.listener = triggers.NewListener(e.logger, p.WorkflowRepository(), e.coordinator,
		triggers.WithDeliveryLocker(locker),
	)

	return nil
}

// nolint:ireturn
func (e *Engine) locker(ctx context.Context, redisURL string) (lock.Locker, error) {
	if redisURL == "" {
		return lock.NewLocal(), nil
	}

	r, err := lock.NewRedis(ctx, redisURL, "automation")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	e.closers = append(e.closers, func(context.Context) error { return r.Close() })

	return r, nil
}

// ImportDefinitions creates and publishes every workflow under dir that is not
// stored yet. Stored workflows are left untouched.
func (e *Engine) ImportDefinitions(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}

	workflows, err := config.LoadDir(dir)
	if err != nil {
		return err
	}

	for _, wf := range workflows {
		if wf.ID != "" {
			_, err := e.workflows.FetchByID(ctx, wf.ID)
			if err == nil {
				e.logger.InfoContext(ctx, "workflow definition already stored", "workflow_id", wf.ID)

				continue
			}

			if !persistence.IsWorkflowNotFound(err) {
				return err
			}
		}

		created, err := e.workflows.Create(ctx, wf)
		if err != nil {
			return fmt.Errorf("failed to import workflow %q: %w", wf.Name, err)
		}

		if _, err := e.workflows.Publish(ctx, created.ID); err != nil {
			return fmt.Errorf("failed to publish workflow %q: %w", wf.Name, err)
		}

		e.logger.InfoContext(ctx, "workflow definition imported", "workflow_id", created.ID, "name", created.Name)
	}

	return nil
}

// Start reaps orphaned executions, subscribes the trigger listener to the bus
// and starts the schedule triggers of active workflows.
func (e *Engine) Start(ctx context.Context) error {
	if e.reap {
		e.coordinator.StartReaper(ctx, e.reapInterval)
	} else {
		e.logger.WarnContext(ctx, "orphan reaper disabled: set REDIS_URL or REAP_ORPHANS")
	}

	if err := e.listener.Register(e.eventBus); err != nil {
		return fmt.Errorf("failed to register trigger handlers: %w", err)
	}

	if err := e.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	scheduler := e.listener.Scheduler()
	if err := scheduler.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load schedule triggers: %w", err)
	}

	scheduler.Start()

	e.logger.InfoContext(ctx, "engine started", "scheduled_triggers", scheduler.Len(), "actions", e.registry.ActionIDs())

	return nil
}

// Shutdown stops the scheduler and waits for live runs, which are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error

	if e.listener != nil {
		errs = append(errs, e.listener.Scheduler().Stop(ctx))
	}

	if e.coordinator != nil {
		errs = append(errs, e.coordinator.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.closers = nil

	return errors.Join(errs...)
}
