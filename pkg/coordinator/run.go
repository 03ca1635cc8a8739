package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studyhub/automation/pkg/events"
	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/lock"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/otelhelper"
	"github.com/studyhub/automation/pkg/policy"
	"github.com/studyhub/automation/pkg/steps"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	errDeadlineExceeded = "run deadline exceeded"
	errConditionNotMet  = "condition not met"
	errLeaseLost        = "execution lease lost"
	persistencePrefix   = "persistence: "
)

type stepState struct {
	node      *graph.Node
	status    models.StepStatus // empty until the step is decided
	record    *models.ExecutionStep
	output    any
	activeOut bool
	started   time.Time
}

type result struct {
	stepID      string
	output      any
	err         error
	attempts    int
	action      policy.Action
	interrupted bool
}

// run is owned by its loop goroutine; only snapshot and requestCancel are
// called from other goroutines.
type run struct {
	c        *Coordinator
	ctx      context.Context
	span     trace.Span
	logger   *slog.Logger
	workflow *models.Workflow
	graph    *graph.Graph
	lease    lock.Lease
	timeout  time.Duration

	mu        sync.RWMutex // guards execution for snapshots
	execution *models.WorkflowExecution

	states    map[string]*stepState
	results   chan result
	cancelCh  chan string
	cancelMu  sync.Mutex // guards finishing against late cancel requests
	finishing bool
	sem       *semaphore.Weighted
	inflight  int

	haltCtx context.Context
	halt    context.CancelFunc
	halted  bool
	status  models.ExecutionStatus
	err     string
	reason  string
	failed  string

	done chan struct{}
}

func newRun(c *Coordinator, ctx context.Context, span trace.Span, workflow *models.Workflow, g *graph.Graph,
	execution *models.WorkflowExecution, lease lock.Lease, timeout time.Duration,
) *run {
	haltCtx, halt := context.WithCancel(ctx)

	r := &run{
		c:         c,
		ctx:       ctx,
		span:      span,
		workflow:  workflow.Clone(),
		graph:     g,
		lease:     lease,
		timeout:   timeout,
		execution: execution,
		states:    make(map[string]*stepState, g.Len()),
		results:   make(chan result, g.Len()),
		cancelCh:  make(chan string, 1),
		sem:       semaphore.NewWeighted(c.maxParallel),
		haltCtx:   haltCtx,
		halt:      halt,
		done:      make(chan struct{}),
		logger: c.logger.With(
			"execution_id", execution.ID,
			"workflow_id", workflow.ID,
		),
	}

	for _, id := range g.Order() {
		r.states[id] = &stepState{node: g.Node(id)}
	}

	return r
}

func (r *run) snapshot() *models.WorkflowExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.execution.Clone()
}

// requestCancel reports whether the request reached the run before it began
// finalizing. A request already pending counts as delivered.
func (r *run) requestCancel(reason string) bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	if r.finishing {
		return false
	}

	select {
	case r.cancelCh <- reason:
	default:
	}

	return true
}

// closeCancels stops accepting cancel requests and applies one that arrived
// after the last step finished.
func (r *run) closeCancels() {
	r.cancelMu.Lock()
	r.finishing = true
	r.cancelMu.Unlock()

	select {
	case reason := <-r.cancelCh:
		r.cancel(reason)
	default:
	}
}

func (r *run) loop() {
	defer close(r.done)
	defer r.halt()

	var deadline <-chan time.Time

	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout - time.Since(r.execution.StartedAt))
		defer timer.Stop()

		deadline = timer.C
	}

	renew := time.NewTicker(r.c.leaseTTL / 3)
	defer renew.Stop()

	r.schedule()

	for r.inflight > 0 {
		select {
		case res := <-r.results:
			r.inflight--
			r.complete(res)
			r.schedule()
		case reason := <-r.cancelCh:
			r.cancel(reason)
		case <-renew.C:
			r.renewLease()
		case <-deadline:
			deadline = nil

			r.stop(models.ExecutionFailed, errDeadlineExceeded, "")
		}
	}

	r.closeCancels()
	r.finalize()
}

// schedule decides every step whose predecessors are all terminal, repeating
// until no more progress is possible without a step result.
func (r *run) schedule() {
	for progress := true; progress && !r.halted; {
		progress = false

		for _, id := range r.graph.Order() {
			st := r.states[id]
			if st.status != "" {
				continue
			}

			ready, active := r.readiness(st)
			if !ready {
				continue
			}

			progress = true

			switch {
			case !active:
				st.status = models.StepSkipped
			case !st.node.Step.Enabled:
				st.status = models.StepSkipped
				st.activeOut = true
			case st.node.Step.Type.IsMarker():
				r.completeMarker(st)
			default:
				r.launch(st)
			}

			if r.halted {
				return
			}
		}
	}
}

func (r *run) readiness(st *stepState) (ready bool, active bool) {
	if len(st.node.Preds) == 0 {
		return true, true
	}

	for _, pred := range st.node.Preds {
		p := r.states[pred]
		if !p.status.IsTerminal() {
			return false, false
		}

		if p.activeOut {
			active = true
		}
	}

	return true, active
}

func (r *run) record(st *stepState, status models.StepStatus) *models.ExecutionStep {
	now := time.Now().UTC()
	rec := &models.ExecutionStep{
		ID:        uuid.NewString(),
		StepID:    st.node.Step.ID,
		Status:    status,
		StartedAt: &now,
	}

	st.record = rec
	st.status = status
	st.started = now

	r.mu.Lock()
	r.execution.Steps = append(r.execution.Steps, rec)
	r.mu.Unlock()

	return rec
}

func (r *run) completeMarker(st *stepState) {
	rec := r.record(st, models.StepCompleted)

	r.mu.Lock()
	rec.CompletedAt = rec.StartedAt
	r.mu.Unlock()

	st.activeOut = true

	r.save(st)
}

func (r *run) launch(st *stepState) {
	rec := r.record(st, models.StepRunning)

	if !r.save(st) {
		now := time.Now().UTC()

		r.mu.Lock()
		rec.Status = models.StepSkipped
		rec.CompletedAt = &now
		r.mu.Unlock()

		st.status = models.StepSkipped

		return
	}

	r.inflight++

	go r.execute(st.node, r.stepContext())
}

// stepContext is the trigger payload plus the output of every completed step,
// keyed by step id.
func (r *run) stepContext() map[string]any {
	ctx := make(map[string]any, len(r.execution.Payload)+len(r.states))
	for k, v := range r.execution.Payload {
		ctx[k] = v
	}

	for _, id := range r.graph.Order() {
		st := r.states[id]
		if st.status == models.StepCompleted && st.record != nil {
			ctx[id] = st.output
		}
	}

	return models.CopyMap(ctx)
}

func (r *run) execute(node *graph.Node, input map[string]any) {
	res := result{stepID: node.Step.ID}

	defer func() {
		r.results <- res
	}()

	if err := r.sem.Acquire(r.haltCtx, 1); err != nil {
		res.interrupted = true

		return
	}
	defer r.sem.Release(1)

	ctx, span := otelhelper.StartSpan(r.ctx, r.c.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.StepIDKey, node.Step.ID),
		attribute.String(otelhelper.StepTypeKey, string(node.Step.Type)),
	)
	defer span.End()

	// Only delays observe halts; other steps finish what they started.
	stepCtx := ctx
	if node.Step.Type == models.StepTypeDelay {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithCancel(ctx)
		defer cancel()

		stop := context.AfterFunc(r.haltCtx, cancel)
		defer stop()
	}

	tracker := r.c.policies.Track(node.Step)
	req := steps.Request{
		ExecutionID: r.execution.ID,
		WorkflowID:  r.workflow.ID,
		Step:        node.Step,
		Config:      node.Config,
		Context:     input,
	}

	for {
		tracker.Begin()

		output, err := r.c.runner.Execute(stepCtx, req)
		res.attempts = tracker.Attempts()

		if err == nil {
			res.output = output
			res.err = nil
			otelhelper.SetOK(span, attribute.Int(otelhelper.AttemptsKey, res.attempts))

			return
		}

		if node.Step.Type == models.StepTypeDelay && r.haltCtx.Err() != nil {
			res.interrupted = true

			return
		}

		res.err = err

		decision := tracker.Apply(err)
		res.action = decision.Action

		if decision.Action != policy.Retry {
			otelhelper.SetError(span, err, attribute.Int(otelhelper.AttemptsKey, res.attempts))

			return
		}

		r.logger.InfoContext(ctx, "retrying step",
			"step_id", node.Step.ID,
			"attempt", res.attempts,
			"retry_in", decision.After,
			"error", err,
		)

		if !r.wait(decision.After) {
			res.action = policy.Stop
			otelhelper.SetError(span, err, attribute.Int(otelhelper.AttemptsKey, res.attempts))

			return
		}
	}
}

// wait sleeps for d unless the run halts first.
func (r *run) wait(d time.Duration) bool {
	if r.haltCtx.Err() != nil {
		return false
	}

	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.haltCtx.Done():
		return false
	}
}

func (r *run) complete(res result) {
	st := r.states[res.stepID]
	step := st.node.Step
	now := time.Now().UTC()

	var stopErr string

	r.mu.Lock()
	rec := st.record
	rec.CompletedAt = &now
	rec.Attempts = res.attempts

	switch {
	case res.interrupted:
		rec.Status = models.StepSkipped
		rec.Error = "interrupted"
	case res.err == nil:
		rec.Status = models.StepCompleted
		rec.Output = res.output
		st.output = res.output
		st.activeOut = true

		if step.Type == models.StepTypeCondition && !conditionPassed(res.output) {
			st.activeOut = false

			if step.Policy() == models.OnErrorStop {
				stopErr = fmt.Sprintf("%s at step %q", errConditionNotMet, step.ID)
			}
		}
	case res.action == policy.Continue:
		rec.Status = models.StepFailed
		rec.Error = res.err.Error()
		st.activeOut = true
	default:
		rec.Status = models.StepFailed
		rec.Error = res.err.Error()
		stopErr = fmt.Sprintf("step %q failed: %s", step.ID, res.err)
	}

	st.status = rec.Status
	r.mu.Unlock()

	r.logger.InfoContext(r.ctx, "step finished",
		"step_id", step.ID,
		"status", rec.Status,
		"attempts", rec.Attempts,
		"error", rec.Error,
	)

	r.c.publish(r.ctx, r.execution.ID, events.ExecutionStep{
		BaseEvent:   r.c.baseEvent(events.ExecutionStepEvent, r.execution),
		ExecutionID: r.execution.ID,
		StepID:      step.ID,
		Status:      rec.Status,
		Attempts:    rec.Attempts,
		Error:       rec.Error,
		DurationMs:  now.Sub(st.started).Milliseconds(),
	})

	if !r.save(st) {
		return
	}

	if stopErr != "" {
		r.stop(models.ExecutionFailed, stopErr, step.ID)
	}
}

func conditionPassed(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}

	passed, _ := m["result"].(bool)

	return passed
}

// save persists the step record; a failure ends the run.
func (r *run) save(st *stepState) bool {
	r.mu.RLock()
	rec := *st.record
	r.mu.RUnlock()

	err := r.c.executions.SaveExecutionStep(r.ctx, r.execution.ID, rec)
	if err == nil {
		return true
	}

	r.logger.ErrorContext(r.ctx, "failed to persist step", "step_id", rec.StepID, "error", err)
	r.persistenceFailure(err)

	return false
}

func (r *run) persistenceFailure(err error) {
	if r.halted && strings.HasPrefix(r.err, persistencePrefix) {
		return
	}

	r.halted = false
	r.stop(models.ExecutionFailed, persistencePrefix+err.Error(), "")
}

// renewLease keeps the run's lease alive. A lost lease means another process
// may already have reaped the run, so it stops.
func (r *run) renewLease() {
	err := r.lease.Refresh(r.ctx, r.c.leaseTTL)
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrLost):
		r.logger.ErrorContext(r.ctx, "execution lease lost")
		r.stop(models.ExecutionFailed, errLeaseLost, "")
	default:
		r.logger.WarnContext(r.ctx, "failed to renew execution lease", "error", err)
	}
}

func (r *run) cancel(reason string) {
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}

	r.reason = reason
	r.stop(models.ExecutionCancelled, msg, "")
}

// stop halts the run: nothing new starts, retry waits and delays are
// interrupted, and in-flight steps are allowed to finish. The first stop wins.
func (r *run) stop(status models.ExecutionStatus, msg, stepID string) {
	if r.halted {
		return
	}

	r.halted = true
	r.status = status
	r.err = msg
	r.failed = stepID
	r.halt()

	r.logger.InfoContext(r.ctx, "run halting", "status", status, "reason", msg, "in_flight", r.inflight)
}

func (r *run) finalize() {
	now := time.Now().UTC()

	status := models.ExecutionCompleted
	if r.halted {
		status = r.status
	}

	r.mu.Lock()

	for _, id := range r.graph.Order() {
		st := r.states[id]
		if st.record != nil {
			continue
		}

		st.record = &models.ExecutionStep{
			ID:     uuid.NewString(),
			StepID: id,
			Status: models.StepSkipped,
		}
		r.execution.Steps = append(r.execution.Steps, st.record)
	}

	r.execution.Status = status
	r.execution.Error = r.err
	r.execution.CompletedAt = &now
	final := r.execution.Clone()
	r.mu.Unlock()

	if err := r.persistTerminal(final); err != nil {
		// The stored record stays running until the reaper claims the released lease.
		r.logger.ErrorContext(r.ctx, "failed to persist terminal state", "error", err)

		r.mu.Lock()
		r.execution.Status = models.ExecutionFailed
		r.execution.Error = persistencePrefix + err.Error()
		final = r.execution.Clone()
		r.mu.Unlock()
	}

	r.announce(final)

	if err := r.lease.Release(r.ctx); err != nil {
		r.logger.WarnContext(r.ctx, "failed to release execution lease", "error", err)
	}

	for _, hook := range r.c.completionHooks() {
		hook(r.ctx, r.workflow, final.Clone())
	}

	r.span.SetAttributes(attribute.String(otelhelper.StatusKey, string(final.Status)))

	if final.Status == models.ExecutionCompleted {
		otelhelper.SetOK(r.span)
	} else {
		otelhelper.SetError(r.span, fmt.Errorf("%s", final.Error))
	}

	r.span.End()

	r.logger.InfoContext(r.ctx, "run finished",
		"status", final.Status,
		"error", final.Error,
		"duration", now.Sub(final.StartedAt),
	)
}

// persistTerminal retries the terminal write once.
func (r *run) persistTerminal(final *models.WorkflowExecution) error {
	err := r.c.executions.MarkExecutionTerminal(r.ctx, final)
	if err == nil {
		return nil
	}

	r.logger.WarnContext(r.ctx, "retrying terminal write", "error", err)

	return r.c.executions.MarkExecutionTerminal(r.ctx, final)
}

func (r *run) announce(final *models.WorkflowExecution) {
	base := r.c.baseEvent(events.ExecutionCompletedEvent, final)
	durationMs := final.CompletedAt.Sub(final.StartedAt).Milliseconds()

	switch final.Status {
	case models.ExecutionCompleted:
		ran := 0

		for _, s := range final.Steps {
			if s.Attempts > 0 {
				ran++
			}
		}

		r.c.publish(r.ctx, final.ID, events.ExecutionCompleted{
			BaseEvent:   base,
			ExecutionID: final.ID,
			DurationMs:  durationMs,
			StepsRun:    ran,
		})
	case models.ExecutionCancelled:
		base.Type = events.ExecutionCancelledEvent

		r.c.publish(r.ctx, final.ID, events.ExecutionCancelled{
			BaseEvent:   base,
			ExecutionID: final.ID,
			DurationMs:  durationMs,
			Reason:      r.reason,
		})
	default:
		base.Type = events.ExecutionFailedEvent

		r.c.publish(r.ctx, final.ID, events.ExecutionFailed{
			BaseEvent:   base,
			ExecutionID: final.ID,
			DurationMs:  durationMs,
			Error:       final.Error,
			FailedStep:  r.failed,
		})
	}
}
