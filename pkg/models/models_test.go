package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "milliseconds", input: `1500`, want: 1500 * time.Millisecond},
		{name: "duration string", input: `"2m30s"`, want: 150 * time.Second},
		{name: "empty string", input: `""`, want: 0},
		{name: "null", input: `null`, want: 0},
		{name: "garbage", input: `"soon"`, wantErr: true},
		{name: "negative", input: `"-1s"`, wantErr: true},
		{name: "bool", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Timeout Duration `json:"timeout"`
	}{Timeout: Duration(5 * time.Second)})

	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"5s"}`, string(data))
}

func TestWorkflowStep_Policy(t *testing.T) {
	step := &WorkflowStep{ID: "a"}
	assert.Equal(t, OnErrorStop, step.Policy())
	assert.Equal(t, OnErrorStop, step.ExhaustedPolicy())

	step.OnError = OnErrorRetry
	step.OnRetryExhausted = OnErrorContinue
	assert.Equal(t, OnErrorRetry, step.Policy())
	assert.Equal(t, OnErrorContinue, step.ExhaustedPolicy())
}

func TestWorkflow_CloneIsDeep(t *testing.T) {
	wf := &Workflow{
		ID: "wf",
		Steps: []*WorkflowStep{{
			ID:            "a",
			Type:          StepTypeAction,
			Configuration: map[string]any{"params": map[string]any{"k": "v"}},
			NextSteps:     []string{"b"},
		}},
		Triggers: []*WorkflowTrigger{{ID: "t", Configuration: map[string]any{"cron": "* * * * *"}}},
	}

	clone := wf.Clone()
	clone.Steps[0].NextSteps[0] = "changed"
	clone.Steps[0].Configuration["params"].(map[string]any)["k"] = "changed"
	clone.Triggers[0].Configuration["cron"] = "changed"

	assert.Equal(t, "b", wf.Steps[0].NextSteps[0])
	assert.Equal(t, "v", wf.Steps[0].Configuration["params"].(map[string]any)["k"])
	assert.Equal(t, "* * * * *", wf.Triggers[0].Configuration["cron"])
}

func TestDecodeStepConfig(t *testing.T) {
	cfg, err := DecodeStepConfig(&WorkflowStep{
		ID:   "call",
		Type: StepTypeAPICall,
		Configuration: map[string]any{
			"endpoint":      "https://example.com/users",
			"method":        "POST",
			"expect_status": 201,
			"body":          map[string]any{"email": "{{ email }}"},
		},
	})
	require.NoError(t, err)

	httpCfg, ok := cfg.(HTTPConfig)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/users", httpCfg.Endpoint)
	assert.Equal(t, 201, httpCfg.ExpectStatus)

	cfg, err = DecodeStepConfig(&WorkflowStep{
		ID:            "wait",
		Type:          StepTypeDelay,
		Configuration: map[string]any{"duration": "250ms"},
	})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.(DelayConfig).Duration.Std())

	cfg, err = DecodeStepConfig(&WorkflowStep{ID: "p", Type: StepTypeParallel})
	require.NoError(t, err)
	assert.IsType(t, ParallelConfig{}, cfg)

	_, err = DecodeStepConfig(&WorkflowStep{ID: "x", Type: "teleport"})
	assert.Error(t, err)

	_, err = DecodeStepConfig(&WorkflowStep{
		ID:            "wait",
		Type:          StepTypeDelay,
		Configuration: map[string]any{"duration": "later"},
	})
	assert.Error(t, err)
}

func TestExecution_CloneAndStatuses(t *testing.T) {
	exec := &WorkflowExecution{
		ID:     "e",
		Status: ExecutionRunning,
		Steps:  []*ExecutionStep{{StepID: "a", Status: StepCompleted}, {StepID: "b", Status: StepSkipped}},
	}

	clone := exec.Clone()
	clone.Steps[0].Status = StepFailed

	assert.Equal(t, []StepStatus{StepCompleted, StepSkipped}, exec.StepStatuses())
	assert.Equal(t, "b", exec.Step("b").StepID)
	assert.Nil(t, exec.Step("zzz"))
	assert.False(t, exec.Status.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
}
