package services

import (
	"log/slog"
	"testing"
	"time"

	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/persistence/file"
	"github.com/studyhub/automation/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, opts ...WorkflowOption) (*Workflow, *file.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	return NewWorkflow(slog.Default(), p, opts...), p
}

func draft() *models.Workflow {
	wf := testutil.Onboarding("http://profiles.invalid")
	wf.ID = ""
	wf.Status = ""

	return wf
}

func TestWorkflow_HealthCheck(t *testing.T) {
	service, _ := newService(t)

	msg, ok := service.HealthCheck(t.Context())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", msg)
}

func TestWorkflow_Create(t *testing.T) {
	service, _ := newService(t)

	created, err := service.Create(t.Context(), draft())
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.Equal(t, 1, created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	fetched, err := service.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, fetched.Name)
	assert.Len(t, fetched.Steps, 4)

	dup := draft()
	dup.ID = created.ID
	_, err = service.Create(t.Context(), dup)
	assert.True(t, persistence.IsAlreadyExists(err))
}

func TestWorkflow_CreateValidation(t *testing.T) {
	service, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(*models.Workflow)
		target error
	}{
		{"missing name", func(wf *models.Workflow) { wf.Name = " " }, ErrWorkflowNameRequired},
		{"no steps", func(wf *models.Workflow) { wf.Steps = nil }, ErrStepsRequired},
		{"bad category", func(wf *models.Workflow) { wf.Category = "marketing" }, ErrInvalidRequest},
		{"bad step type", func(wf *models.Workflow) { wf.Steps[0].Type = "teleport" }, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := draft()
			tt.mutate(wf)

			_, err := service.Create(t.Context(), wf)
			require.ErrorIs(t, err, tt.target)
			assert.True(t, IsValidationError(err))
		})
	}

	_, err := service.Create(t.Context(), nil)
	assert.ErrorIs(t, err, ErrWorkflowNil)
}

func TestWorkflow_UpdateBumpsVersion(t *testing.T) {
	cache := graph.NewCache(time.Minute)
	service, p := newService(t, WithGraphCache(cache))

	created, err := service.Create(t.Context(), draft())
	require.NoError(t, err)

	_, err = service.Publish(t.Context(), created.ID)
	require.NoError(t, err)
	require.NoError(t, p.WorkflowRepository().IncrementTriggerCount(t.Context(), created.ID, "manual"))

	stored, err := service.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	_, err = cache.Get(stored)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	replacement := draft()
	replacement.Name = "Onboarding v2"
	replacement.Status = models.WorkflowStatusDraft

	updated, err := service.Update(t.Context(), created.ID, replacement)
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, models.WorkflowStatusActive, updated.Status)
	assert.Equal(t, int64(1), updated.Trigger("manual").TriggerCount)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())
	assert.Zero(t, cache.Len())
}

func TestWorkflow_UpdateActiveMustCompile(t *testing.T) {
	service, _ := newService(t)

	created, err := service.Create(t.Context(), draft())
	require.NoError(t, err)

	_, err = service.Publish(t.Context(), created.ID)
	require.NoError(t, err)

	broken := draft()
	broken.Steps[3].NextSteps = []string{"validate"}

	_, err = service.Update(t.Context(), created.ID, broken)
	require.ErrorIs(t, err, graph.ErrCycleDetected)
	assert.True(t, IsValidationError(err))

	_, err = service.Update(t.Context(), "missing", draft())
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_DeleteRefusedWhileExecutionsExist(t *testing.T) {
	service, p := newService(t)

	created, err := service.Create(t.Context(), draft())
	require.NoError(t, err)

	now := time.Now().UTC()
	execution := &models.WorkflowExecution{
		ID:         "exec-1",
		WorkflowID: created.ID,
		Status:     models.ExecutionRunning,
		StartedAt:  now,
	}
	require.NoError(t, p.ExecutionRepository().CreateExecution(t.Context(), execution))

	err = service.Delete(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrExecutionsExist)
	assert.True(t, IsConflictError(err))

	n, err := service.ArchiveExecutions(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "running executions are not archived")

	execution.Status = models.ExecutionCompleted
	execution.CompletedAt = &now
	require.NoError(t, p.ExecutionRepository().MarkExecutionTerminal(t.Context(), execution))

	n, err = service.ArchiveExecutions(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, service.Delete(t.Context(), created.ID))

	_, err = service.FetchByID(t.Context(), created.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_ListWorkflows(t *testing.T) {
	service, _ := newService(t)

	first, err := service.Create(t.Context(), draft())
	require.NoError(t, err)

	second := draft()
	second.TenantID = "gym-7"
	_, err = service.Create(t.Context(), second)
	require.NoError(t, err)

	_, err = service.Publish(t.Context(), first.ID)
	require.NoError(t, err)

	all, err := service.ListWorkflows(t.Context(), persistence.WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := service.ListWorkflows(t.Context(), persistence.WorkflowFilter{Status: models.WorkflowStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)

	tenant, err := service.ListWorkflows(t.Context(), persistence.WorkflowFilter{TenantID: "gym-7"})
	require.NoError(t, err)
	assert.Len(t, tenant, 1)

	_, err = service.ListWorkflows(t.Context(), persistence.WorkflowFilter{Status: "published"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
