// Package steps dispatches a single workflow step's side effect and captures its output.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/studyhub/automation/pkg/condition"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/protocol"
	"github.com/studyhub/automation/pkg/template"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultMaxBodyBytes = 10 << 20

// HTTPDoer is the HTTP client collaborator.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ActionCreator builds actions by id; registry.Registry implements it.
type ActionCreator interface {
	CreateAction(actionType string, params map[string]any) (protocol.Action, error)
}

// Request is everything the executor needs for one invocation.
type Request struct {
	ExecutionID string
	WorkflowID  string
	Step        *models.WorkflowStep
	Config      models.StepConfig // Decoded from Step when nil
	Context     map[string]any
}

type Executor struct {
	logger         *slog.Logger
	client         HTTPDoer
	sender         Sender
	actions        ActionCreator
	evaluator      *condition.Evaluator
	defaultTimeout time.Duration
	maxBodyBytes   int64
}

type Option func(*Executor)

func WithHTTPClient(client HTTPDoer) Option {
	return func(e *Executor) {
		e.client = client
	}
}

func WithSender(sender Sender) Option {
	return func(e *Executor) {
		e.sender = sender
	}
}

func WithActions(actions ActionCreator) Option {
	return func(e *Executor) {
		e.actions = actions
	}
}

// WithDefaultTimeout applies to steps that do not set their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.defaultTimeout = d
	}
}

func NewExecutor(logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:       logger.With("module", "step_executor"),
		evaluator:    condition.New(),
		maxBodyBytes: defaultMaxBodyBytes,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		e.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	if e.sender == nil {
		e.sender = NewLogSender(logger)
	}

	return e
}

// Execute runs the step once within its timeout. Errors are always *Failure.
func (e *Executor) Execute(ctx context.Context, req Request) (any, error) {
	step := req.Step
	if step.Type.IsMarker() {
		return nil, fail(ReasonInvalidConfig, fmt.Errorf("%s steps are graph markers and are not executed", step.Type))
	}

	cfg := req.Config
	if cfg == nil {
		decoded, err := models.DecodeStepConfig(step)
		if err != nil {
			return nil, fail(ReasonInvalidConfig, err)
		}

		cfg = decoded
	}

	timeout := step.Timeout.Std()
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := e.dispatch(ctx, req, cfg)
	if err != nil {
		return nil, classify(ctx, err, fallbackReason(step.Type))
	}

	return output, nil
}

func fallbackReason(t models.StepType) Reason {
	switch t {
	case models.StepTypeAPICall, models.StepTypeWebhook:
		return ReasonTransport
	case models.StepTypeEmail, models.StepTypeNotification:
		return ReasonDelivery
	case models.StepTypeCondition:
		return ReasonInvalidConfig
	default:
		return ReasonAction
	}
}

func (e *Executor) dispatch(ctx context.Context, req Request, cfg models.StepConfig) (any, error) {
	switch c := cfg.(type) {
	case models.ConditionConfig:
		ok, err := e.evaluator.Evaluate(c, req.Context)
		if err != nil {
			return nil, err
		}

		return map[string]any{"result": ok}, nil
	case models.HTTPConfig:
		return e.callHTTP(ctx, req, c)
	case models.MessageConfig:
		return e.send(ctx, req, c)
	case models.DelayConfig:
		return delay(ctx, c.Duration.Std())
	case models.ActionConfig:
		return e.runAction(ctx, req, c)
	default:
		return nil, fail(ReasonInvalidConfig, fmt.Errorf("no dispatcher for %T", cfg))
	}
}

func delay(ctx context.Context, d time.Duration) (any, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"waited": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) callHTTP(ctx context.Context, req Request, cfg models.HTTPConfig) (any, error) {
	endpoint, err := template.ResolveString(cfg.Endpoint, req.Context)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if req.Step.Type == models.StepTypeWebhook {
			method = http.MethodPost
		}
	}

	var body io.Reader

	if cfg.Body != nil {
		resolved, err := template.Resolve(cfg.Body, req.Context)
		if err != nil {
			return nil, err
		}

		switch b := resolved.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fail(ReasonInvalidConfig, fmt.Errorf("failed to encode body: %w", err))
			}

			body = strings.NewReader(string(data))
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fail(ReasonInvalidConfig, fmt.Errorf("failed to create request: %w", err))
	}

	for key, value := range cfg.Headers {
		resolved, err := template.ResolveString(value, req.Context)
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set(key, resolved)
	}

	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if req.Step.Type == models.StepTypeWebhook {
		httpReq.Header.Set("X-Execution-Id", req.ExecutionID)
		httpReq.Header.Set("X-Workflow-Id", req.WorkflowID)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err, ReasonTransport)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodyBytes))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("failed to read response: %w", err), ReasonTransport)
	}

	if !statusAccepted(cfg.ExpectStatus, resp.StatusCode) {
		return nil, &Failure{
			Reason: ReasonRemote,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, truncate(string(respBody), 256)),
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(respBody),
	}

	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		output["body"] = jsonBody
	}

	return output, nil
}

func statusAccepted(expect, got int) bool {
	if expect != 0 {
		return got == expect
	}

	return got < http.StatusBadRequest
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}

func (e *Executor) send(ctx context.Context, req Request, cfg models.MessageConfig) (any, error) {
	to, err := template.ResolveString(cfg.To, req.Context)
	if err != nil {
		return nil, err
	}

	subject, err := template.ResolveString(cfg.Subject, req.Context)
	if err != nil {
		return nil, err
	}

	vars := req.Context
	if len(cfg.Variables) > 0 {
		resolved, err := template.Resolve(cfg.Variables, req.Context)
		if err != nil {
			return nil, err
		}

		vars = models.CopyMap(req.Context)
		for k, v := range resolved.(map[string]any) {
			vars[k] = v
		}
	}

	body, err := template.ResolveString(cfg.Template, vars)
	if err != nil {
		return nil, err
	}

	msg := Message{
		ExecutionID: req.ExecutionID,
		WorkflowID:  req.WorkflowID,
		StepID:      req.Step.ID,
		Kind:        string(req.Step.Type),
		Channel:     cfg.Channel,
		To:          to,
		Subject:     subject,
		Body:        body,
	}

	if len(cfg.Variables) > 0 {
		msg.Variables = vars
	}

	if err := e.sender.Send(ctx, msg); err != nil {
		return nil, classify(ctx, err, ReasonDelivery)
	}

	return map[string]any{
		"to":        to,
		"subject":   subject,
		"channel":   cfg.Channel,
		"delivered": true,
	}, nil
}

func (e *Executor) runAction(ctx context.Context, req Request, cfg models.ActionConfig) (any, error) {
	if e.actions == nil {
		return nil, fail(ReasonInvalidConfig, errors.New("no action registry configured"))
	}

	action, err := e.actions.CreateAction(cfg.Action, cfg.Params)
	if err != nil {
		return nil, fail(ReasonInvalidConfig, err)
	}

	logger := e.logger.With(
		"execution_id", req.ExecutionID,
		"step_id", req.Step.ID,
		"action", cfg.Action,
	)

	output, err := action.Execute(ctx, req.Context, logger)
	if err != nil {
		return nil, classify(ctx, err, ReasonAction)
	}

	return output, nil
}
