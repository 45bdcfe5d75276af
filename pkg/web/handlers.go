// Package web provides HTTP handlers and REST API endpoints for step
// executions, delegate tasks and approvals.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/relay/pkg/approval"
	"github.com/dukex/relay/pkg/correlation"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/execution"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/reconciler"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// TaskController is the part of the dispatcher the API drives directly.
type TaskController interface {
	Trigger(ctx context.Context, callbackID string) error
	Abort(ctx context.Context, handle models.CallbackHandle) (bool, error)
	Status(ctx context.Context, callbackID string) (*models.DelegateTask, error)
}

type StepAborter interface {
	AbortStep(ctx context.Context, stepExecutionKey string) (*models.StepOutcome, error)
}

// Dependencies groups the services behind the API.
type Dependencies struct {
	Launcher    *execution.Launcher
	Tasks       TaskController
	WaitSets    *correlation.Store
	Steps       StepAborter
	Outputs     persistence.OutputRepository
	Approvals   *approval.Service
	Publisher   eventbus.EventPublisher
	Persistence persistence.Persistence
}

type APIHandlers struct {
	logger    *slog.Logger
	deps      Dependencies
	validator *validator.Validate
}

func NewAPIHandlers(logger *slog.Logger, deps Dependencies, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		logger:    logger.With("module", "web"),
		deps:      deps,
		validator: validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Relay API is healthy"
	httpStatus := http.StatusOK
	persistenceCheck := "ok"

	if err := h.deps.Persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Relay API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		persistenceCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) StartStep(c fiber.Ctx) error {
	var req StartStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	waitSet, err := h.deps.Launcher.Start(c.Context(), req.Step, req.Runtime)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartStepResponse{
		StepExecutionKey: waitSet.StepExecutionKey,
		CallbackIDs:      waitSet.CallbackIDs,
		Deadline:         waitSet.Deadline,
	})
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	task, err := h.deps.Tasks.Status(c.Context(), c.Params("callbackId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) TriggerTask(c fiber.Ctx) error {
	callbackID := c.Params("callbackId")

	if err := h.deps.Tasks.Trigger(c.Context(), callbackID); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AbortTask(c fiber.Ctx) error {
	callbackID := c.Params("callbackId")

	aborted, err := h.deps.Tasks.Abort(c.Context(), models.CallbackHandle{ID: callbackID})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(AbortTaskResponse{CallbackID: callbackID, Aborted: aborted})
}

// ReceiveResponse accepts a delegate's response envelope and hands it to the
// orchestrator through the event bus. Resolution happens asynchronously.
func (h *APIHandlers) ReceiveResponse(c fiber.Ctx) error {
	callbackID := c.Params("callbackId")
	body := c.Body()

	if !json.Valid(body) || !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return badRequest(c, "Response envelope must be a JSON object")
	}

	var addressed struct {
		CallbackID string `json:"callback_id"`
	}

	if err := json.Unmarshal(body, &addressed); err == nil && addressed.CallbackID != "" && addressed.CallbackID != callbackID {
		return badRequest(c, "Envelope callback_id does not match the request path")
	}

	event := events.TaskResponseReceived{
		BaseEvent:  events.NewBaseEvent(events.TaskResponseReceivedEvent, callbackID),
		CallbackID: callbackID,
		// The request buffer is reused once the handler returns.
		Envelope: bytes.Clone(body),
	}

	if err := h.deps.Publisher.Publish(c.Context(), callbackID, event); err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish delegate response", "callback_id", callbackID, "error", err)

		return problem(c, fiber.StatusServiceUnavailable, "event_bus_unavailable", "response could not be queued, retry later")
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponseResponse{CallbackID: callbackID, EventID: event.ID})
}

func (h *APIHandlers) GetStep(c fiber.Ctx) error {
	waitSet, err := h.deps.WaitSets.Get(c.Context(), c.Params("stepKey"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(waitSet)
}

func (h *APIHandlers) GetStepOutputs(c fiber.Ctx) error {
	stepExecutionKey := c.Params("stepKey")

	outputs, err := h.deps.Outputs.Outputs(c.Context(), stepExecutionKey)
	if err != nil {
		return handleServiceError(c, err)
	}

	if outputs == nil {
		outputs = []models.StructuredOutput{}
	}

	return c.JSON(StepOutputsResponse{StepExecutionKey: stepExecutionKey, Outputs: outputs})
}

func (h *APIHandlers) AbortStep(c fiber.Ctx) error {
	stepExecutionKey := c.Params("stepKey")

	if _, err := h.deps.WaitSets.Get(c.Context(), stepExecutionKey); err != nil {
		return handleServiceError(c, err)
	}

	outcome, err := h.deps.Steps.AbortStep(c.Context(), stepExecutionKey)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(AbortStepResponse{
		StepExecutionKey: stepExecutionKey,
		Aborted:          outcome != nil,
		Outcome:          outcome,
	})
}

func (h *APIHandlers) CreateApproval(c fiber.Ctx) error {
	var req CreateApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	var timeout time.Duration

	if req.Timeout != "" {
		parsed, err := time.ParseDuration(req.Timeout)
		if err != nil || parsed < 0 {
			return badRequest(c, "Invalid timeout: "+req.Timeout)
		}

		timeout = parsed
	}

	instance, err := h.deps.Approvals.Create(c.Context(), approval.CreateRequest{
		ID:                   req.ID,
		StepExecutionKey:     req.StepExecutionKey,
		Message:              req.Message,
		Approvers:            req.Approvers,
		MinimumApprovalCount: req.MinimumApprovalCount,
		Timeout:              timeout,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	instance, err := h.deps.Approvals.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) AddApprovalActivity(c fiber.Ctx) error {
	var req ApprovalActivityRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.deps.Approvals.AddActivity(c.Context(), c.Params("id"), approval.ActivityRequest{
		Actor:    req.Actor,
		Action:   models.ApprovalAction(req.Action),
		Comments: req.Comments,
		Inputs:   req.Inputs,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) AbortApproval(c fiber.Ctx) error {
	instance, err := h.deps.Approvals.Abort(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

// Routes mounts every endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	t := router.Group("/tasks")
	t.Post("/", h.StartStep)
	t.Get("/:callbackId", h.GetTask)
	t.Post("/:callbackId/trigger", h.TriggerTask)
	t.Post("/:callbackId/abort", h.AbortTask)
	t.Post("/:callbackId/response", h.ReceiveResponse)

	s := router.Group("/steps")
	s.Get("/:stepKey", h.GetStep)
	s.Get("/:stepKey/outputs", h.GetStepOutputs)
	s.Post("/:stepKey/abort", h.AbortStep)

	a := router.Group("/approvals")
	a.Post("/", h.CreateApproval)
	a.Get("/:id", h.GetApproval)
	a.Post("/:id/activities", h.AddApprovalActivity)
	a.Post("/:id/abort", h.AbortApproval)

	router.Get("/health", h.HealthCheck)
}

var _ StepAborter = (*reconciler.Reconciler)(nil)
