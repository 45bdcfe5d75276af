// Package dispatcher submits task descriptors to the remote delegate queue and
// tracks the queue-side lifecycle of each task.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/registry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxUpdateAttempts = 8

type Dispatcher struct {
	logger    *slog.Logger
	tasks     persistence.TaskRepository
	registry  *registry.Registry
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	tracer    trace.Tracer
	metrics   *metrics.Metrics
}

type Option func(*Dispatcher)

func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(
	logger *slog.Logger,
	tasks persistence.TaskRepository,
	reg *registry.Registry,
	publisher eventbus.EventPublisher,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		logger:    logger.With("module", "dispatcher"),
		tasks:     tasks,
		registry:  reg,
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		tracer:    otelhelper.NewNoopTracer(),
		metrics:   metrics.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Submit queues the descriptor for a delegate and returns immediately.
func (d *Dispatcher) Submit(ctx context.Context, descriptor models.TaskDescriptor) (models.CallbackHandle, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.submit",
		attribute.String(otelhelper.TaskTypeKey, descriptor.TaskType))
	defer span.End()

	if err := d.validate(descriptor); err != nil {
		otelhelper.SetError(span, err)

		return models.CallbackHandle{}, &TaskSubmissionError{Op: "submit", TaskType: descriptor.TaskType, Err: err}
	}

	now := d.clock.Now().UTC()
	expiresAt := now.Add(descriptor.Timeout)
	descriptor.Parked = false

	task := &models.DelegateTask{
		ID:         uuid.NewString(),
		Descriptor: descriptor,
		Status:     models.TaskStatusQueued,
		ExpiresAt:  &expiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := d.tasks.CreateTask(ctx, task); err != nil {
		otelhelper.SetError(span, err)

		return models.CallbackHandle{}, &TaskSubmissionError{Op: "submit", TaskType: descriptor.TaskType, Err: err}
	}

	span.SetAttributes(attribute.String(otelhelper.CallbackIDKey, task.ID))

	if err := d.publishQueued(ctx, task); err != nil {
		otelhelper.SetError(span, err)
		d.withdraw(ctx, task.ID)

		return models.CallbackHandle{}, &TaskSubmissionError{Op: "submit", TaskType: descriptor.TaskType, Err: err}
	}

	d.metrics.TasksSubmitted.WithLabelValues(descriptor.TaskType, "queued").Inc()
	d.logger.InfoContext(ctx, "Task queued",
		"callback_id", task.ID,
		"task_type", descriptor.TaskType,
		"timeout", descriptor.Timeout,
		"selectors", descriptor.TargetSelectors)

	return task.Handle(), nil
}

// SubmitParked stores the task without handing it to a delegate. It is queued
// by Trigger, or expires once triggerTimeout elapses.
func (d *Dispatcher) SubmitParked(
	ctx context.Context,
	descriptor models.TaskDescriptor,
	triggerTimeout time.Duration,
) (models.CallbackHandle, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.submit_parked",
		attribute.String(otelhelper.TaskTypeKey, descriptor.TaskType))
	defer span.End()

	if err := d.validate(descriptor); err != nil {
		otelhelper.SetError(span, err)

		return models.CallbackHandle{}, &TaskSubmissionError{Op: "submit parked", TaskType: descriptor.TaskType, Err: err}
	}

	if triggerTimeout <= 0 {
		triggerTimeout = descriptor.Timeout
	}

	now := d.clock.Now().UTC()
	deadline := now.Add(triggerTimeout)
	descriptor.Parked = true

	task := &models.DelegateTask{
		ID:              uuid.NewString(),
		Descriptor:      descriptor,
		Status:          models.TaskStatusParked,
		TriggerDeadline: &deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := d.tasks.CreateTask(ctx, task); err != nil {
		otelhelper.SetError(span, err)

		return models.CallbackHandle{}, &TaskSubmissionError{Op: "submit parked", TaskType: descriptor.TaskType, Err: err}
	}

	d.metrics.TasksSubmitted.WithLabelValues(descriptor.TaskType, "parked").Inc()
	d.logger.InfoContext(ctx, "Task parked", "callback_id", task.ID, "task_type", descriptor.TaskType, "trigger_deadline", deadline)

	return task.Handle(), nil
}

// Trigger releases a parked task to the delegate queue.
func (d *Dispatcher) Trigger(ctx context.Context, callbackID string) error {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.trigger",
		attribute.String(otelhelper.CallbackIDKey, callbackID))
	defer span.End()

	task, changed, err := d.update(ctx, callbackID, func(task *models.DelegateTask) (bool, error) {
		if task.Status != models.TaskStatusParked {
			return false, fmt.Errorf("%w: %s is %s", ErrTaskNotParked, task.ID, task.Status)
		}

		expiresAt := d.clock.Now().UTC().Add(task.Descriptor.Timeout)
		task.Status = models.TaskStatusQueued
		task.TriggerDeadline = nil
		task.ExpiresAt = &expiresAt

		return true, nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if !changed {
		return nil
	}

	if err := d.publishQueued(ctx, task); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	d.logger.InfoContext(ctx, "Parked task triggered", "callback_id", callbackID)

	return nil
}

// Abort is advisory: the delegate may already have finished. It returns false
// for unknown or already terminal tasks.
func (d *Dispatcher) Abort(ctx context.Context, handle models.CallbackHandle) (bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.abort",
		attribute.String(otelhelper.CallbackIDKey, handle.ID))
	defer span.End()

	var previous models.TaskStatus

	task, changed, err := d.update(ctx, handle.ID, func(task *models.DelegateTask) (bool, error) {
		if task.Status.IsTerminal() {
			return false, nil
		}

		previous = task.Status
		task.Status = models.TaskStatusAborted

		return true, nil
	})
	if err != nil {
		if persistence.IsTaskNotFound(err) {
			return false, nil
		}

		otelhelper.SetError(span, err)

		return false, err
	}

	if !changed {
		return false, nil
	}

	d.metrics.TasksAborted.Inc()

	// A parked task never reached a delegate.
	if previous == models.TaskStatusParked {
		return true, nil
	}

	event := events.TaskAbortRequested{
		BaseEvent:  events.NewBaseEvent(events.TaskAbortRequestedEvent, task.ID),
		CallbackID: task.ID,
		Reason:     "aborted by orchestrator",
	}

	if err := d.publisher.Publish(ctx, task.ID, event); err != nil {
		// The record is already ABORTED; the delegate's late response is dropped on arrival.
		d.logger.WarnContext(ctx, "Failed to publish abort request", "callback_id", task.ID, "error", err)
	}

	d.logger.InfoContext(ctx, "Task aborted", "callback_id", task.ID, "previous_status", previous)

	return true, nil
}

// MarkStarted records that a delegate picked the task up. Only QUEUED tasks move.
func (d *Dispatcher) MarkStarted(ctx context.Context, callbackID string) error {
	_, _, err := d.update(ctx, callbackID, func(task *models.DelegateTask) (bool, error) {
		if task.Status != models.TaskStatusQueued {
			return false, nil
		}

		task.Status = models.TaskStatusStarted

		return true, nil
	})

	return err
}

// MarkCompleted records that a response arrived. Terminal tasks are left untouched.
func (d *Dispatcher) MarkCompleted(ctx context.Context, callbackID string) error {
	_, _, err := d.update(ctx, callbackID, func(task *models.DelegateTask) (bool, error) {
		if task.Status.IsTerminal() {
			return false, nil
		}

		task.Status = models.TaskStatusCompleted

		return true, nil
	})

	return err
}

// Status returns the queue-side record of a task.
func (d *Dispatcher) Status(ctx context.Context, callbackID string) (*models.DelegateTask, error) {
	return d.tasks.TaskByID(ctx, callbackID)
}

// ExpireTasks moves due tasks to EXPIRED and returns one transport-level error
// result per expired task, for the reconciler to short-circuit the owning step.
func (d *Dispatcher) ExpireTasks(ctx context.Context) ([]models.RemoteExecutionResult, error) {
	now := d.clock.Now().UTC()

	due, err := d.tasks.DueTasks(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}

	results := make([]models.RemoteExecutionResult, 0, len(due))

	for _, candidate := range due {
		var message string

		_, changed, err := d.update(ctx, candidate.ID, func(task *models.DelegateTask) (bool, error) {
			if !task.IsDue(now) {
				return false, nil
			}

			message = expiryMessage(task)
			task.Status = models.TaskStatusExpired

			return true, nil
		})
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to expire task", "callback_id", candidate.ID, "error", err)

			continue
		}

		if !changed {
			continue
		}

		d.metrics.TasksExpired.Inc()
		d.logger.WarnContext(ctx, "Task expired", "callback_id", candidate.ID, "reason", message)

		results = append(results, models.NewTransportErrorResult(candidate.ID, message, now))
	}

	return results, nil
}

func expiryMessage(task *models.DelegateTask) string {
	if task.Status == models.TaskStatusParked {
		return "task was not triggered before its deadline"
	}

	return fmt.Sprintf("task did not complete within %s", task.Descriptor.Timeout)
}

func (d *Dispatcher) validate(descriptor models.TaskDescriptor) error {
	if descriptor.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	err := d.registry.ValidateParameters(descriptor.TaskType, descriptor.Parameters)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrTaskTypeNotRegistered):
		return fmt.Errorf("%w: %s", ErrUnsupportedTaskType, descriptor.TaskType)
	case errors.Is(err, registry.ErrInvalidParameters):
		return fmt.Errorf("%w: %w", ErrInvalidTaskParameters, err)
	default:
		return err
	}
}

func (d *Dispatcher) publishQueued(ctx context.Context, task *models.DelegateTask) error {
	event := events.TaskQueued{
		BaseEvent:  events.NewBaseEvent(events.TaskQueuedEvent, task.ID),
		CallbackID: task.ID,
		Descriptor: task.Descriptor,
	}

	if err := d.publisher.Publish(ctx, task.ID, event); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}

	return nil
}

// withdraw aborts a task whose queue publication failed so it never expires into a step failure.
func (d *Dispatcher) withdraw(ctx context.Context, callbackID string) {
	_, _, err := d.update(ctx, callbackID, func(task *models.DelegateTask) (bool, error) {
		if task.Status.IsTerminal() {
			return false, nil
		}

		task.Status = models.TaskStatusAborted

		return true, nil
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to withdraw unpublished task", "callback_id", callbackID, "error", err)
	}
}

// update applies mutate under compare-and-swap, reloading on version conflicts.
// mutate returns false to leave the record unchanged.
func (d *Dispatcher) update(
	ctx context.Context,
	callbackID string,
	mutate func(*models.DelegateTask) (bool, error),
) (*models.DelegateTask, bool, error) {
	for range maxUpdateAttempts {
		task, err := d.tasks.TaskByID(ctx, callbackID)
		if err != nil {
			return nil, false, err
		}

		changed, err := mutate(task)
		if err != nil || !changed {
			return task, false, err
		}

		err = d.tasks.UpdateTask(ctx, task)
		if err == nil {
			return task, true, nil
		}

		if !persistence.IsVersionConflict(err) {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("task %s: %w after %d attempts", callbackID, persistence.ErrVersionConflict, maxUpdateAttempts)
}
