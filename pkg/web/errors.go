package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/studyhub/automation/pkg/coordinator"
	"github.com/studyhub/automation/pkg/persistence"
	"github.com/studyhub/automation/pkg/services"
	"github.com/studyhub/automation/pkg/triggers"
)

var errSingleWorkflow = errors.New("exactly one workflow per request")

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service, trigger and persistence errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var payloadErr *triggers.PayloadError

	switch {
	case errors.As(err, &payloadErr):
		return problem(c, fiber.StatusBadRequest, "invalid_payload", err.Error())

	case services.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())

	case errors.Is(err, triggers.ErrRateLimited):
		return problem(c, fiber.StatusTooManyRequests, "rate_limited", err.Error())

	case errors.Is(err, coordinator.ErrShuttingDown):
		return problem(c, fiber.StatusServiceUnavailable, "shutting_down", err.Error())

	case services.IsConflictError(err), persistence.IsAlreadyExists(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case persistence.IsWorkflowNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case persistence.IsTriggerNotFound(err):
		return problem(c, fiber.StatusNotFound, "trigger_not_found", "trigger not found")

	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	default:
		return internalError(c, err)
	}
}
