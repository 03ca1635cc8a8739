// Package web provides HTTP handlers and REST API endpoints for workflow management.
package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/studyhub/automation/pkg/config"
	"github.com/studyhub/automation/pkg/models"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/registry"
	"github.com/studyhub/automation/pkg/services"
	"github.com/studyhub/automation/pkg/triggers"
)

type APIHandlers struct {
	workflowService  *services.Workflow
	executionService *services.Execution
	listener         *triggers.Listener
	validator        *validator.Validate
	registry         *registry.Registry
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	executionService *services.Execution,
	listener *triggers.Listener,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		workflowService:  workflowService,
		executionService: executionService,
		listener:         listener,
		validator:        validator,
		registry:         registry,
	}
}

// Register mounts every route on app.
func (h *APIHandlers) Register(app *fiber.App) {
	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Put("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/publish", h.PublishWorkflow)
	w.Post("/:id/pause", h.PauseWorkflow)
	w.Post("/:id/deactivate", h.DeactivateWorkflow)
	w.Post("/:id/archive-executions", h.ArchiveExecutions)
	w.Post("/:id/trigger", h.TriggerWorkflow)
	w.Get("/:id/executions", h.ListExecutions)

	app.Post("/webhooks/:workflowId/:triggerId", h.Webhook)

	e := app.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	filter := persistence.WorkflowFilter{
		Status:   models.WorkflowStatus(c.Query("status")),
		TenantID: c.Query("tenant_id"),
	}

	workflows, err := h.workflowService.ListWorkflows(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.workflowService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())
	actions := h.registry.ActionIDs()

	status := "unhealthy"
	message := "Automation API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Automation API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   strconv.Itoa(len(actions)) + " actions registered",
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) decodeDefinition(c fiber.Ctx) (*models.Workflow, error) {
	workflows, err := config.Decode(c.Body())
	if err != nil {
		return nil, err
	}

	if len(workflows) != 1 {
		return nil, errSingleWorkflow
	}

	return workflows[0], nil
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	workflow, err := h.decodeDefinition(c)
	if err != nil {
		return badRequest(c, "Invalid workflow definition: "+err.Error())
	}

	created, err := h.workflowService.Create(c.Context(), workflow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	workflow, err := h.decodeDefinition(c)
	if err != nil {
		return badRequest(c, "Invalid workflow definition: "+err.Error())
	}

	updated, err := h.workflowService.Update(c.Context(), c.Params("id"), workflow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.workflowService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishWorkflow(c fiber.Ctx) error {
	published, err := h.workflowService.Publish(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	paused, err := h.workflowService.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(paused)
}

func (h *APIHandlers) DeactivateWorkflow(c fiber.Ctx) error {
	inactive, err := h.workflowService.Deactivate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inactive)
}

func (h *APIHandlers) ArchiveExecutions(c fiber.Ctx) error {
	n, err := h.workflowService.ArchiveExecutions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"archived": n})
}

// TriggerWorkflow fires a manual or api trigger and answers 202 once the run
// is recorded.
func (h *APIHandlers) TriggerWorkflow(c fiber.Ctx) error {
	var req TriggerRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api:" + c.IP()
	}

	workflowID := c.Params("id")

	handle, err := h.listener.FireManual(c.Context(), workflowID, req.TriggerID, triggeredBy, req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return accepted(c, handle.ExecutionID, workflowID)
}

// Webhook accepts any JSON object as the trigger payload.
func (h *APIHandlers) Webhook(c fiber.Ctx) error {
	var payload map[string]any

	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return badRequest(c, "Webhook body must be a JSON object")
		}
	}

	workflowID := c.Params("workflowId")

	handle, err := h.listener.FireWebhook(c.Context(), workflowID, c.Params("triggerId"), c.IP(), payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return accepted(c, handle.ExecutionID, workflowID)
}

func accepted(c fiber.Ctx, executionID, workflowID string) error {
	location := "/executions/" + executionID
	c.Set(fiber.HeaderLocation, location)

	return c.Status(fiber.StatusAccepted).JSON(ExecutionAccepted{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      models.ExecutionRunning,
		Location:    location,
	})
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	includeArchived := false

	if v := c.Query("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "include_archived must be a boolean")
		}

		includeArchived = b
	}

	executions, err := h.executionService.ListByWorkflow(c.Context(), c.Params("id"), includeArchived)
	if err != nil {
		return handleServiceError(c, err)
	}

	summaries := make([]ExecutionSummary, 0, len(executions))
	for _, e := range executions {
		summaries = append(summaries, summarize(e))
	}

	return c.JSON(fiber.Map{
		"executions":  summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executionService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	var req CancelRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executionService.Cancel(c.Context(), c.Params("id"), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}
