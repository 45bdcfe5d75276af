package web

import (
	"errors"

	"github.com/dukex/relay/pkg/approval"
	"github.com/dukex/relay/pkg/dispatcher"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/taskbuilder"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps dispatcher, builder, approval and persistence errors
// to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, taskbuilder.ErrInvalidStepConfig),
		errors.Is(err, approval.ErrInvalidRequest),
		errors.Is(err, approval.ErrInvalidActivity):
		return badRequest(c, err.Error())

	case errors.Is(err, dispatcher.ErrQueueUnavailable):
		return problem(c, fiber.StatusServiceUnavailable, "queue_unavailable", err.Error())

	case dispatcher.IsSubmissionError(err):
		return problem(c, fiber.StatusBadRequest, "task_rejected", err.Error())

	case errors.Is(err, dispatcher.ErrTaskNotParked):
		return problem(c, fiber.StatusConflict, "task_not_parked", err.Error())

	case approval.IsInvalidState(err):
		return problem(c, fiber.StatusConflict, "invalid_state", err.Error())

	case errors.Is(err, approval.ErrDuplicateApproval):
		return problem(c, fiber.StatusConflict, "duplicate_approval", err.Error())

	case errors.Is(err, approval.ErrDeadlinePassed):
		return problem(c, fiber.StatusConflict, "deadline_passed", err.Error())

	case errors.Is(err, approval.ErrUnauthorizedApprover):
		return problem(c, fiber.StatusForbidden, "unauthorized_approver", err.Error())

	case persistence.IsAlreadyExists(err):
		return problem(c, fiber.StatusConflict, "already_exists", err.Error())

	case persistence.IsTaskNotFound(err):
		return notFound(c, "task not found")

	case persistence.IsWaitSetNotFound(err):
		return notFound(c, "step execution not found")

	case persistence.IsApprovalNotFound(err):
		return notFound(c, "approval instance not found")

	default:
		return internalError(c, err)
	}
}
