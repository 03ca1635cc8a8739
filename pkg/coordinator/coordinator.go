// Package coordinator walks a compiled workflow graph for one triggered run and
// records every step outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/eventbus"
	"github.com/studyhub/automation/pkg/events"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/lock"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/otelhelper"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/policy"
	"github.com/studyhub/automation/pkg/steps"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrRunNotLive   = errors.New("execution is not running on this coordinator")
	ErrRunFinished  = errors.New("execution already finished")
	ErrShuttingDown = errors.New("coordinator is shutting down")
)

const (
	defaultMaxParallel = 8
	defaultLeaseTTL    = 2 * time.Minute
	errOrphaned        = "orphaned: execution lease expired"
)

// StepRunner executes one step invocation; *steps.Executor implements it.
type StepRunner interface {
	Execute(ctx context.Context, req steps.Request) (any, error)
}

// CompletionHook is called once per run after its terminal state is persisted.
type CompletionHook func(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution)

type Coordinator struct {
	logger      *slog.Logger
	runner      StepRunner
	executions  persistence.ExecutionRepository
	graphs      *graph.Cache
	policies    *policy.Engine
	locker      lock.Locker
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	hooks       []CompletionHook
	maxParallel int64
	runTimeout  time.Duration
	leaseTTL    time.Duration

	mu         sync.Mutex
	runs       map[string]*run
	closing    bool
	inflight   sync.WaitGroup
	stopReaper context.CancelFunc
	background sync.WaitGroup
}

type Option func(*Coordinator)

func WithGraphCache(cache *graph.Cache) Option {
	return func(c *Coordinator) {
		c.graphs = cache
	}
}

func WithPolicyEngine(engine *policy.Engine) Option {
	return func(c *Coordinator) {
		c.policies = engine
	}
}

// WithLocker sets the single-writer lease provider. Defaults to an in-process lock.
func WithLocker(locker lock.Locker) Option {
	return func(c *Coordinator) {
		c.locker = locker
	}
}

// WithLeaseTTL sets how long an execution lease lives without renewal. Live
// runs renew it every third of the ttl.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(c *Coordinator) {
		c.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// WithMaxParallel bounds how many steps of one run execute at the same time.
func WithMaxParallel(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxParallel = int64(n)
		}
	}
}

// WithRunTimeout is the deadline for workflows that do not set their own.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.runTimeout = d
	}
}

func WithCompletionHook(hook CompletionHook) Option {
	return func(c *Coordinator) {
		c.hooks = append(c.hooks, hook)
	}
}

func New(logger *slog.Logger, runner StepRunner, executions persistence.ExecutionRepository, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:      logger.With("module", "coordinator"),
		runner:      runner,
		executions:  executions,
		maxParallel: defaultMaxParallel,
		leaseTTL:    defaultLeaseTTL,
		runs:        make(map[string]*run),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.graphs == nil {
		c.graphs = graph.NewCache(time.Hour)
	}

	if c.policies == nil {
		c.policies = policy.NewEngine()
	}

	if c.locker == nil {
		c.locker = lock.NewLocal()
	}

	if c.publisher == nil {
		c.publisher = eventbus.NopPublisher{}
	}

	if c.tracer == nil {
		c.tracer = otelhelper.NoopTracer()
	}

	return c
}

// AddCompletionHook registers a hook after construction.
func (c *Coordinator) AddCompletionHook(hook CompletionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hooks = append(c.hooks, hook)
}

// Handle tracks one started run.
type Handle struct {
	ExecutionID string
	WorkflowID  string

	r *run
}

// Done is closed once the run is terminal and persisted.
func (h *Handle) Done() <-chan struct{} {
	return h.r.done
}

// Wait blocks until the run is terminal and returns its final record.
func (h *Handle) Wait(ctx context.Context) (*models.WorkflowExecution, error) {
	select {
	case <-h.r.done:
		return h.r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns a copy of the run's current record.
func (h *Handle) Snapshot() *models.WorkflowExecution {
	return h.r.snapshot()
}

// Start compiles the workflow, persists a running execution and schedules its
// root steps. It returns once the run is recorded; steps run in the background.
func (c *Coordinator) Start(ctx context.Context, workflow *models.Workflow, event models.TriggerEvent) (*Handle, error) {
	g, err := c.graphs.Get(workflow)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	execution := &models.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        workflow.TenantID,
		Status:          models.ExecutionRunning,
		StartedAt:       now,
		TriggeredBy:     event.TriggeredBy,
		TriggerType:     event.TriggerType,
		TriggerID:       event.TriggerID,
		Payload:         models.CopyMap(event.Payload),
		Steps:           []*models.ExecutionStep{},
	}

	timeout := workflow.Timeout.Std()
	if timeout == 0 {
		timeout = c.runTimeout
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()

		return nil, ErrShuttingDown
	}

	c.inflight.Add(1)
	c.mu.Unlock()

	started := false

	defer func() {
		if !started {
			c.inflight.Done()
		}
	}()

	lease, err := c.locker.Acquire(ctx, execution.ID, c.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire execution lease: %w", err)
	}

	if err := c.executions.CreateExecution(ctx, execution); err != nil {
		_ = lease.Release(context.WithoutCancel(ctx))

		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	runCtx, span := otelhelper.StartSpan(runCtx, c.tracer, "workflow.run",
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.TriggerIDKey, event.TriggerID),
		attribute.String(otelhelper.TriggerTypeKey, string(event.TriggerType)),
	)

	r := newRun(c, runCtx, span, workflow, g, execution, lease, timeout)

	c.mu.Lock()
	c.runs[execution.ID] = r
	c.mu.Unlock()

	c.publish(runCtx, execution.ID, events.ExecutionStarted{
		BaseEvent:   c.baseEvent(events.ExecutionStartedEvent, execution),
		ExecutionID: execution.ID,
		TriggerID:   event.TriggerID,
		TriggerType: event.TriggerType,
		TriggeredBy: event.TriggeredBy,
	})

	r.logger.InfoContext(runCtx, "run started", "trigger_type", event.TriggerType, "steps", g.Len())

	started = true

	go func() {
		defer c.inflight.Done()

		r.loop()

		c.mu.Lock()
		delete(c.runs, execution.ID)
		c.mu.Unlock()
	}()

	return &Handle{ExecutionID: execution.ID, WorkflowID: workflow.ID, r: r}, nil
}

func (c *Coordinator) live(executionID string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runs[executionID]
}

// Cancel halts a live run. In-flight steps finish, nothing new starts and the
// run ends cancelled.
func (c *Coordinator) Cancel(ctx context.Context, executionID, reason string) error {
	if r := c.live(executionID); r != nil {
		select {
		case <-r.done:
			return ErrRunFinished
		default:
		}

		if !r.requestCancel(reason) {
			return ErrRunFinished
		}

		return nil
	}

	execution, err := c.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return ErrRunFinished
	}

	return ErrRunNotLive
}

// Get returns the live record for a running execution or the persisted one.
func (c *Coordinator) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	if r := c.live(executionID); r != nil {
		return r.snapshot(), nil
	}

	return c.executions.GetExecution(ctx, executionID)
}

// Running returns the ids of runs currently owned by this coordinator.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}

	return ids
}

// Shutdown stops the reaper, refuses new runs, cancels live ones and waits for
// them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true

	if c.stopReaper != nil {
		c.stopReaper()
	}

	for _, r := range c.runs {
		r.requestCancel("coordinator shutdown")
	}
	c.mu.Unlock()

	done := make(chan struct{})

	go func() {
		c.background.Wait()
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartReaper reaps orphaned executions once, then every interval until
// Shutdown. A zero interval only runs the startup pass.
func (c *Coordinator) StartReaper(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closing || c.stopReaper != nil {
		c.mu.Unlock()
		cancel()

		return
	}

	c.stopReaper = cancel
	c.background.Add(1)
	c.mu.Unlock()

	c.reap(ctx)

	if interval <= 0 {
		c.background.Done()

		return
	}

	go func() {
		defer c.background.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reap(ctx)
			}
		}
	}()
}

func (c *Coordinator) reap(ctx context.Context) {
	n, err := c.ReapOrphans(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "orphan reaping incomplete", "reaped", n, "error", err)

		return
	}

	if n > 0 {
		c.logger.InfoContext(ctx, "reaped orphaned executions", "reaped", n)
	}
}

// ReapOrphans fails every stored running execution whose lease nobody holds:
// its owner crashed, lost the lease or could not write the terminal state.
func (c *Coordinator) ReapOrphans(ctx context.Context) (int, error) {
	running, err := c.executions.ListRunningExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running executions: %w", err)
	}

	var (
		reaped int
		errs   []error
	)

	for _, execution := range running {
		if c.live(execution.ID) != nil {
			continue
		}

		lease, err := c.locker.Acquire(ctx, execution.ID, c.leaseTTL)
		if errors.Is(err, lock.ErrHeld) {
			continue
		}

		if err != nil {
			errs = append(errs, err)

			continue
		}

		err = c.failOrphan(ctx, execution)

		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			c.logger.WarnContext(ctx, "failed to release execution lease", "execution_id", execution.ID, "error", relErr)
		}

		switch {
		case err == nil:
			reaped++
		case errors.Is(err, persistence.ErrExecutionTerminal):
		default:
			errs = append(errs, err)
		}
	}

	return reaped, errors.Join(errs...)
}

func (c *Coordinator) failOrphan(ctx context.Context, execution *models.WorkflowExecution) error {
	now := time.Now().UTC()

	final := execution.Clone()
	final.Status = models.ExecutionFailed
	final.Error = errOrphaned
	final.CompletedAt = &now

	for _, step := range final.Steps {
		if !step.Status.IsTerminal() {
			step.Status = models.StepFailed
			step.Error = "interrupted"
			step.CompletedAt = &now
		}
	}

	if err := c.executions.MarkExecutionTerminal(ctx, final); err != nil {
		return err
	}

	c.logger.WarnContext(ctx, "orphaned execution failed",
		"execution_id", final.ID,
		"workflow_id", final.WorkflowID,
		"started_at", final.StartedAt,
	)

	base := c.baseEvent(events.ExecutionFailedEvent, final)
	c.publish(ctx, final.ID, events.ExecutionFailed{
		BaseEvent:   base,
		ExecutionID: final.ID,
		DurationMs:  now.Sub(final.StartedAt).Milliseconds(),
		Error:       final.Error,
	})

	return nil
}

func (c *Coordinator) baseEvent(eventType events.EventType, execution *models.WorkflowExecution) events.BaseEvent {
	base := events.NewBaseEvent(eventType, execution.WorkflowID)
	base.TenantID = execution.TenantID

	return base
}

// publish is best effort; a broken bus never fails a run.
func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := c.publisher.Publish(ctx, key, event); err != nil {
		c.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "execution_id", key, "error", err)
	}
}

func (c *Coordinator) completionHooks() []CompletionHook {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]CompletionHook(nil), c.hooks...)
}
