package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhub/automation/pkg/models"
)

func action(id string, next ...string) *models.WorkflowStep {
	return &models.WorkflowStep{
		ID:            id,
		Type:          models.StepTypeAction,
		Enabled:       true,
		Configuration: map[string]any{"action": "log"},
		NextSteps:     next,
	}
}

func workflow(steps ...*models.WorkflowStep) *models.Workflow {
	return &models.Workflow{ID: "wf-1", Version: 1, Steps: steps}
}

func TestCompile_Linear(t *testing.T) {
	g, err := Compile(workflow(action("a", "b"), action("b", "c"), action("c")))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.Order())
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, g.Tiers())
	assert.Equal(t, []string{"a"}, g.Roots())
	assert.Equal(t, []string{"b"}, g.Predecessors("c"))
	assert.True(t, g.Reachable("a", "c"))
	assert.False(t, g.Reachable("c", "a"))
	assert.Equal(t, "[a] [b] [c]", g.String())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		wf    *models.Workflow
		kind  error
		check func(t *testing.T, ce *CompileError)
	}{
		{
			name: "no steps",
			wf:   workflow(),
			kind: ErrEmptyWorkflow,
		},
		{
			name: "duplicate id",
			wf:   workflow(action("a", "b"), action("b"), action("a")),
			kind: ErrDuplicateStepID,
			check: func(t *testing.T, ce *CompileError) {
				assert.Equal(t, "a", ce.StepID)
			},
		},
		{
			name: "dangling next step",
			wf:   workflow(action("a", "ghost")),
			kind: ErrDanglingReference,
			check: func(t *testing.T, ce *CompileError) {
				assert.Equal(t, "a", ce.StepID)
				assert.Equal(t, "ghost", ce.Ref)
			},
		},
		{
			name: "dangling parallel step",
			wf: workflow(&models.WorkflowStep{
				ID: "fan", Type: models.StepTypeParallel, ParallelSteps: []string{"nope"},
			}),
			kind: ErrDanglingReference,
		},
		{
			name: "two step cycle",
			wf:   workflow(action("a", "b"), action("b", "a")),
			kind: ErrCycleDetected,
			check: func(t *testing.T, ce *CompileError) {
				assert.Equal(t, []string{"a", "b", "a"}, ce.Path)
			},
		},
		{
			name: "self loop",
			wf:   workflow(action("a", "a")),
			kind: ErrCycleDetected,
		},
		{
			name: "missing endpoint",
			wf: workflow(&models.WorkflowStep{
				ID: "call", Type: models.StepTypeAPICall, Configuration: map[string]any{"method": "GET"},
			}),
			kind: ErrInvalidStepConfig,
		},
		{
			name: "empty condition",
			wf:   workflow(&models.WorkflowStep{ID: "check", Type: models.StepTypeCondition}),
			kind: ErrInvalidStepConfig,
		},
		{
			name: "unknown type",
			wf:   workflow(&models.WorkflowStep{ID: "x", Type: "teleport"}),
			kind: ErrInvalidStepConfig,
		},
		{
			name: "delay without duration",
			wf:   workflow(&models.WorkflowStep{ID: "wait", Type: models.StepTypeDelay}),
			kind: ErrInvalidStepConfig,
		},
		{
			name: "exhausted policy without retry",
			wf: workflow(&models.WorkflowStep{
				ID: "a", Type: models.StepTypeAction, Configuration: map[string]any{"action": "log"},
				OnError: models.OnErrorStop, OnRetryExhausted: models.OnErrorContinue,
			}),
			kind: ErrInvalidStepConfig,
		},
		{
			name: "parallel without siblings",
			wf:   workflow(&models.WorkflowStep{ID: "fan", Type: models.StepTypeParallel}),
			kind: ErrInvalidStepConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Compile(tt.wf)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, tt.kind)
			assert.True(t, IsCompileError(err))

			var ce *CompileError
			require.True(t, errors.As(err, &ce))

			if tt.check != nil {
				tt.check(t, ce)
			}
		})
	}
}

func TestCompile_ParallelJoin(t *testing.T) {
	wf := workflow(
		action("start", "fan"),
		&models.WorkflowStep{
			ID:            "fan",
			Type:          models.StepTypeParallel,
			Enabled:       true,
			ParallelSteps: []string{"left", "right"},
			NextSteps:     []string{"join"},
		},
		action("left"),
		action("right"),
		action("join"),
	)

	g, err := Compile(wf)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"left", "right", "fan"}, g.Predecessors("join"))
	assert.Equal(t, [][]string{{"start"}, {"fan"}, {"left", "right"}, {"join"}}, g.Tiers())
	assert.Equal(t, 3, g.Node("join").Tier)
}

func TestCompile_TieBreakByOrder(t *testing.T) {
	b := action("b")
	b.Order = 1
	c := action("c")
	c.Order = 0

	g, err := Compile(workflow(action("a", "b", "c"), b, c))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c", "b"}, g.Order())
}

func TestCompile_ActionLookup(t *testing.T) {
	wf := workflow(&models.WorkflowStep{
		ID: "a", Type: models.StepTypeAction, Configuration: map[string]any{"action": "missing"},
	})

	_, err := Compile(wf)
	require.NoError(t, err)

	_, err = Compile(wf, WithActionLookup(func(name string) bool { return name == "log" }))
	assert.ErrorIs(t, err, ErrInvalidStepConfig)
}

func TestCompile_Idempotent(t *testing.T) {
	wf := workflow(action("a", "b", "c"), action("b", "d"), action("c", "d"), action("d"))

	first, err := Compile(wf)
	require.NoError(t, err)

	second, err := Compile(wf)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompile_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := range 50 {
		n := 2 + rng.Intn(15)
		steps := make([]*models.WorkflowStep, n)

		for i := range n {
			steps[i] = action(fmt.Sprintf("s%d", i))
		}

		// Forward edges only keep the graph acyclic.
		for i := range n {
			for j := i + 1; j < n; j++ {
				if rng.Float64() < 0.3 {
					steps[i].NextSteps = append(steps[i].NextSteps, steps[j].ID)
				}
			}
		}

		wf := workflow(steps...)

		g, err := Compile(wf)
		require.NoError(t, err, "round %d", round)
		require.Equal(t, n, g.Len())

		position := map[string]int{}
		for i, id := range g.Order() {
			position[id] = i
		}

		for _, s := range steps {
			assert.False(t, g.Reachable(s.ID, s.ID), "round %d: %s reaches itself", round, s.ID)

			for _, next := range s.NextSteps {
				assert.Less(t, position[s.ID], position[next])
				assert.Greater(t, g.Node(next).Tier, g.Node(s.ID).Tier)
			}
		}

		// Any edge from a reachable descendant back to its ancestor must fail.
		for i := range n {
			for j := i + 1; j < n; j++ {
				if !g.Reachable(steps[i].ID, steps[j].ID) {
					continue
				}

				broken := workflow(cloneSteps(steps)...)
				broken.Steps[j].NextSteps = append(broken.Steps[j].NextSteps, steps[i].ID)

				_, err := Compile(broken)
				assert.ErrorIs(t, err, ErrCycleDetected, "round %d: back-edge %s -> %s", round, steps[j].ID, steps[i].ID)
			}
		}
	}
}

func cloneSteps(steps []*models.WorkflowStep) []*models.WorkflowStep {
	out := make([]*models.WorkflowStep, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}

	return out
}
