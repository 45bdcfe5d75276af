// Package execution starts step executions: it builds the step's task
// descriptors, submits them, and registers the wait set the reconciler resolves.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/relay/pkg/correlation"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/taskbuilder"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TaskSubmitter is the part of the dispatcher a launch needs.
type TaskSubmitter interface {
	Submit(ctx context.Context, descriptor models.TaskDescriptor) (models.CallbackHandle, error)
	SubmitParked(ctx context.Context, descriptor models.TaskDescriptor, triggerTimeout time.Duration) (models.CallbackHandle, error)
	Abort(ctx context.Context, handle models.CallbackHandle) (bool, error)
}

type Launcher struct {
	logger  *slog.Logger
	builder *taskbuilder.Builder
	tasks   TaskSubmitter
	store   *correlation.Store
	clock   clockwork.Clock
	tracer  trace.Tracer
}

type Option func(*Launcher)

func WithClock(clock clockwork.Clock) Option {
	return func(l *Launcher) { l.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(l *Launcher) { l.tracer = tracer }
}

func NewLauncher(
	logger *slog.Logger,
	builder *taskbuilder.Builder,
	tasks TaskSubmitter,
	store *correlation.Store,
	opts ...Option,
) *Launcher {
	l := &Launcher{
		logger:  logger.With("module", "execution"),
		builder: builder,
		tasks:   tasks,
		store:   store,
		clock:   clockwork.NewRealClock(),
		tracer:  otelhelper.NewNoopTracer(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start submits every task of the step and registers its wait set. The wait
// deadline is the effective step timeout, shorter than the timeout the
// delegates receive. A step execution key runs once: a key that was ever
// registered, even one already resumed, is rejected before any task is
// submitted. When any submission or the registration fails, tasks already
// submitted are aborted.
func (l *Launcher) Start(ctx context.Context, step models.StepConfig, rc models.RuntimeContext) (*models.StepWaitSet, error) {
	ctx, span := otelhelper.StartSpan(ctx, l.tracer, "execution.start",
		attribute.String(otelhelper.StepExecutionKeyKey, step.StepExecutionKey))
	defer span.End()

	descriptors, err := l.builder.Build(step, rc)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	registered, err := l.store.Registered(ctx, step.StepExecutionKey)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if registered {
		err := persistence.NewRecordError("Start", "wait_set", step.StepExecutionKey, persistence.ErrWaitSetAlreadyExists)
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := l.clock.Now().UTC()
	deadline := now.Add(taskbuilder.EffectiveStepTimeout(step))

	waitSet := models.NewStepWaitSet(step.StepExecutionKey, step.Step)
	waitSet.Deadline = &deadline
	waitSet.CreatedAt = now
	waitSet.UpdatedAt = now
	auxiliaryContext(waitSet, rc)

	submitted := make([]models.CallbackHandle, 0, len(descriptors))

	for i, descriptor := range descriptors {
		handle, err := l.submit(ctx, descriptor, step.Tasks[i])
		if err != nil {
			l.rollback(ctx, submitted)
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("failed to submit task %d of %s: %w", i, step.StepExecutionKey, err)
		}

		submitted = append(submitted, handle)
		waitSet.AddCallback(handle.ID, descriptor.TaskType)
	}

	if err := l.store.Put(ctx, waitSet); err != nil {
		l.rollback(ctx, submitted)
		otelhelper.SetError(span, err)

		return nil, err
	}

	l.logger.InfoContext(ctx, "Step execution started",
		"step_execution_key", step.StepExecutionKey,
		"callback_ids", waitSet.CallbackIDs,
		"deadline", deadline)

	return waitSet, nil
}

func (l *Launcher) submit(ctx context.Context, descriptor models.TaskDescriptor, task models.TaskConfig) (models.CallbackHandle, error) {
	if descriptor.Parked {
		return l.tasks.SubmitParked(ctx, descriptor, task.TriggerTimeout)
	}

	return l.tasks.Submit(ctx, descriptor)
}

func (l *Launcher) rollback(ctx context.Context, handles []models.CallbackHandle) {
	for _, handle := range handles {
		if _, err := l.tasks.Abort(ctx, handle); err != nil {
			l.logger.WarnContext(ctx, "Failed to abort task of a failed launch", "callback_id", handle.ID, "error", err)
		}
	}
}

func auxiliaryContext(waitSet *models.StepWaitSet, rc models.RuntimeContext) {
	if rc.AccountID != "" {
		waitSet.AuxiliaryContext["account_id"] = rc.AccountID
	}

	if rc.LogKeyPrefix != "" {
		waitSet.AuxiliaryContext["log_key_prefix"] = rc.LogKeyPrefix
	}

	if rc.ConnectorRef != "" {
		waitSet.AuxiliaryContext["connector_ref"] = rc.ConnectorRef
	}

	if len(rc.PortMappings) > 0 {
		waitSet.AuxiliaryContext["port_mappings"] = maps.Clone(rc.PortMappings)
	}
}
