package steps_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logaction "github.com/studyhub/automation/pkg/actions/log"
	"github.com/studyhub/automation/pkg/events"
	"github.com/studyhub/automation/pkg/mocks"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/registry"
	"github.com/studyhub/automation/pkg/steps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newExecutor(opts ...steps.Option) *steps.Executor {
	return steps.NewExecutor(slog.Default(), opts...)
}

func request(step *models.WorkflowStep, ctx map[string]any) steps.Request {
	return steps.Request{ExecutionID: "exec-1", WorkflowID: "wf-1", Step: step, Context: ctx}
}

func TestExecute_APICall(t *testing.T) {
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/u-1/profile", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))

		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"profile_id":"p-9"}`))
	}))
	defer server.Close()

	step := &models.WorkflowStep{
		ID:   "create_profile",
		Type: models.StepTypeAPICall,
		Configuration: map[string]any{
			"endpoint":      server.URL + "/users/{{ user.id }}/profile",
			"method":        "post",
			"headers":       map[string]any{"Authorization": "Bearer {{ token }}"},
			"body":          map[string]any{"email": "{{ user.email }}", "age": "{{ user.age }}"},
			"expect_status": 201,
		},
	}

	out, err := newExecutor().Execute(context.Background(), request(step, map[string]any{
		"token": "t0k",
		"user":  map[string]any{"id": "u-1", "email": "ada@example.com", "age": 36.0},
	}))
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusCreated, result["status"])
	assert.Equal(t, map[string]any{"profile_id": "p-9"}, result["body"])
	assert.Equal(t, map[string]any{"email": "ada@example.com", "age": 36.0}, gotBody)
}

func TestExecute_WebhookDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-1", r.Header.Get("X-Execution-Id"))
		assert.Equal(t, "wf-1", r.Header.Get("X-Workflow-Id"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	step := &models.WorkflowStep{
		ID:            "notify_crm",
		Type:          models.StepTypeWebhook,
		Configuration: map[string]any{"endpoint": server.URL},
	}

	out, err := newExecutor().Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.(map[string]any)["body"])
}

func TestExecute_HTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/boom":
			http.Error(w, "exploded", http.StatusBadGateway)
		case "/accepted":
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	tests := []struct {
		name    string
		config  map[string]any
		timeout time.Duration
		reason  steps.Reason
		status  int
	}{
		{name: "server error", config: map[string]any{"endpoint": server.URL + "/boom"}, reason: steps.ReasonRemote, status: 502},
		{name: "unexpected status", config: map[string]any{"endpoint": server.URL + "/accepted", "expect_status": 200}, reason: steps.ReasonRemote, status: 202},
		{name: "timeout", config: map[string]any{"endpoint": server.URL + "/slow"}, timeout: 20 * time.Millisecond, reason: steps.ReasonTimeout},
		{name: "transport", config: map[string]any{"endpoint": "http://127.0.0.1:1/unreachable"}, reason: steps.ReasonTransport},
		{name: "missing placeholder", config: map[string]any{"endpoint": server.URL + "/{{ nope }}"}, reason: steps.ReasonMissingContextField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &models.WorkflowStep{
				ID:            "call",
				Type:          models.StepTypeAPICall,
				Configuration: tt.config,
				Timeout:       models.Duration(tt.timeout),
			}

			_, err := newExecutor().Execute(context.Background(), request(step, map[string]any{}))
			require.Error(t, err)

			var failure *steps.Failure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.reason, failure.Reason)
			assert.Equal(t, tt.status, failure.Status)
		})
	}
}

func TestExecute_Condition(t *testing.T) {
	step := &models.WorkflowStep{
		ID:   "validate",
		Type: models.StepTypeCondition,
		Configuration: map[string]any{
			"field":    "email",
			"operator": "regex",
			"pattern":  `^[^@\s]+@[^@\s]+$`,
		},
	}

	out, err := newExecutor().Execute(context.Background(), request(step, map[string]any{"email": "ada@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true}, out)

	out, err = newExecutor().Execute(context.Background(), request(step, map[string]any{"email": "not-an-email"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": false}, out)

	_, err = newExecutor().Execute(context.Background(), request(step, map[string]any{}))
	assert.Equal(t, steps.ReasonMissingContextField, steps.ReasonOf(err))

	step.Configuration["operator"] = "sounds_like"
	_, err = newExecutor().Execute(context.Background(), request(step, map[string]any{"email": "x"}))
	assert.Equal(t, steps.ReasonUnsupportedOperator, steps.ReasonOf(err))
}

func TestExecute_Delay(t *testing.T) {
	step := &models.WorkflowStep{
		ID:            "wait",
		Type:          models.StepTypeDelay,
		Configuration: map[string]any{"duration": "30ms"},
	}

	start := time.Now()
	out, err := newExecutor().Execute(context.Background(), request(step, nil))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, map[string]any{"waited": "30ms"}, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = newExecutor().Execute(ctx, request(step, nil))
	assert.True(t, steps.IsCancelled(err))

	step.Configuration["duration"] = "1s"
	step.Timeout = models.Duration(10 * time.Millisecond)

	_, err = newExecutor().Execute(context.Background(), request(step, nil))
	assert.True(t, steps.IsTimeout(err))
}

func TestExecute_Email(t *testing.T) {
	sender := &mocks.MockSender{}
	sender.On("Send", mock.Anything, mock.MatchedBy(func(msg steps.Message) bool {
		return msg.To == "ada@example.com" &&
			msg.Subject == "Welcome Ada" &&
			msg.Body == "Hi Ada, your plan is premium" &&
			msg.Kind == "email" &&
			msg.StepID == "send_email"
	})).Return(nil).Once()

	step := &models.WorkflowStep{
		ID:   "send_email",
		Type: models.StepTypeEmail,
		Configuration: map[string]any{
			"to":        "{{ email }}",
			"subject":   "Welcome {{ name }}",
			"template":  "Hi {{ name }}, your plan is {{ plan }}",
			"variables": map[string]any{"plan": "premium"},
		},
	}

	out, err := newExecutor(steps.WithSender(sender)).Execute(context.Background(), request(step, map[string]any{
		"email": "ada@example.com",
		"name":  "Ada",
	}))
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["delivered"])
	sender.AssertExpectations(t)
}

func TestExecute_NotificationDeliveryFailure(t *testing.T) {
	sender := &mocks.MockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	step := &models.WorkflowStep{
		ID:            "notify",
		Type:          models.StepTypeNotification,
		Configuration: map[string]any{"to": "ops", "template": "payment failed"},
	}

	_, err := newExecutor(steps.WithSender(sender)).Execute(context.Background(), request(step, nil))
	assert.Equal(t, steps.ReasonDelivery, steps.ReasonOf(err))
	assert.ErrorContains(t, err, "smtp down")
}

func TestExecute_Action(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	reg.RegisterAction(logaction.NewActionFactory())

	step := &models.WorkflowStep{
		ID:            "assign_role",
		Type:          models.StepTypeAction,
		Configuration: map[string]any{"action": "log", "params": map[string]any{"message": "assigning {{ role }}"}},
	}

	exec := newExecutor(steps.WithActions(reg))

	out, err := exec.Execute(context.Background(), request(step, map[string]any{"role": "member"}))
	require.NoError(t, err)
	assert.Equal(t, "assigning member", out.(map[string]any)["message"])

	step.Configuration["action"] = "unknown"
	_, err = exec.Execute(context.Background(), request(step, map[string]any{}))
	assert.Equal(t, steps.ReasonInvalidConfig, steps.ReasonOf(err))

	_, err = newExecutor().Execute(context.Background(), request(step, map[string]any{}))
	assert.Equal(t, steps.ReasonInvalidConfig, steps.ReasonOf(err))
}

func TestExecute_MarkersAreNotExecuted(t *testing.T) {
	_, err := newExecutor().Execute(context.Background(), request(&models.WorkflowStep{ID: "fan", Type: models.StepTypeParallel}, nil))
	assert.Equal(t, steps.ReasonInvalidConfig, steps.ReasonOf(err))
}

func TestFailure_Error(t *testing.T) {
	f := &steps.Failure{Reason: steps.ReasonRemote, Status: 503, Err: errors.New("unavailable")}
	assert.Equal(t, "remote_error(503): unavailable", f.Error())
	assert.Equal(t, steps.ReasonAction, steps.ReasonOf(errors.New("plain")))
}

func TestEventBusSender_PublishesNotification(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "exec-1", mock.MatchedBy(func(e events.NotificationRequested) bool {
		return e.StepID == "notify" && e.To == "ops" && e.Body == "payment failed"
	})).Return(nil).Once()

	step := &models.WorkflowStep{
		ID:            "notify",
		Type:          models.StepTypeNotification,
		Configuration: map[string]any{"to": "ops", "template": "payment failed", "channel": "slack"},
	}

	exec := newExecutor(steps.WithSender(steps.NewEventBusSender(bus)))

	_, err := exec.Execute(context.Background(), request(step, map[string]any{}))
	require.NoError(t, err)
	bus.AssertExpectations(t)
}
