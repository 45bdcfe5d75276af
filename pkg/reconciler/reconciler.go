// Package reconciler resolves delegate responses against step wait sets and
// emits exactly one outcome per step execution.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/relay/pkg/correlation"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/dukex/relay/pkg/registry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrWaitSetPending is returned when a response arrives for a live task whose
// wait set is not registered yet. Callers should redeliver the response later.
var ErrWaitSetPending = errors.New("wait set not registered yet")

const (
	abortedMessage = "Step was aborted"
	expiredMessage = "Step did not complete before its deadline"
)

// TaskTracker is the queue-side bookkeeping the reconciler needs from the dispatcher.
type TaskTracker interface {
	Status(ctx context.Context, callbackID string) (*models.DelegateTask, error)
	MarkCompleted(ctx context.Context, callbackID string) error
	Abort(ctx context.Context, handle models.CallbackHandle) (bool, error)
}

type Reconciler struct {
	logger    *slog.Logger
	store     *correlation.Store
	registry  *registry.Registry
	outputs   persistence.OutputRepository
	tasks     TaskTracker
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	tracer    trace.Tracer
	metrics   *metrics.Metrics
}

type Option func(*Reconciler)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) { r.tracer = tracer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(
	logger *slog.Logger,
	store *correlation.Store,
	reg *registry.Registry,
	outputs persistence.OutputRepository,
	tasks TaskTracker,
	publisher eventbus.EventPublisher,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		logger:    logger.With("module", "reconciler"),
		store:     store,
		registry:  reg,
		outputs:   outputs,
		tasks:     tasks,
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
		tracer:    otelhelper.NewNoopTracer(),
		metrics:   metrics.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// HandleEnvelope decodes and interprets raw response bytes, then resolves them.
// Envelopes without a recoverable callback id are rejected with ErrMalformedEnvelope.
func (r *Reconciler) HandleEnvelope(ctx context.Context, raw []byte) (*models.StepOutcome, error) {
	now := r.clock.Now().UTC()

	envelope, err := Decode(raw)
	if err != nil {
		callbackID := salvageCallbackID(raw)
		if callbackID == "" {
			return nil, err
		}

		r.logger.WarnContext(ctx, "Undecodable response, treating as transport error",
			"callback_id", callbackID, "error", err)

		return r.HandleResponse(ctx, models.NewTransportErrorResult(callbackID, err.Error(), now))
	}

	stepExecutionKey, err := r.owner(ctx, envelope.CallbackID)
	if err != nil || stepExecutionKey == "" {
		return nil, err
	}

	waitSet, err := r.store.Get(ctx, stepExecutionKey)
	if err != nil {
		if persistence.IsWaitSetNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	// A type that is no longer registered still resolves; its status is taken verbatim.
	factory, _ := r.registry.TaskType(waitSet.TaskTypeOf(envelope.CallbackID))

	return r.HandleResponse(ctx, Interpret(envelope, factory, now))
}

// HandleReceived resolves a response delivered through the event bus. When the
// envelope names no usable callback id, the id the event was addressed to
// receives a transport error instead.
func (r *Reconciler) HandleReceived(ctx context.Context, event events.TaskResponseReceived) (*models.StepOutcome, error) {
	outcome, err := r.HandleEnvelope(ctx, event.Envelope)
	if !errors.Is(err, ErrMalformedEnvelope) || event.CallbackID == "" {
		return outcome, err
	}

	r.logger.WarnContext(ctx, "Malformed response, treating as transport error",
		"callback_id", event.CallbackID, "error", err)

	return r.HandleResponse(ctx, models.NewTransportErrorResult(event.CallbackID, err.Error(), r.clock.Now().UTC()))
}

// HandleResponse resolves one callback id and, when the wait set becomes
// complete, emits the step outcome. It returns the outcome only when this call
// emitted it. Duplicate and late responses are absorbed without effect.
func (r *Reconciler) HandleResponse(ctx context.Context, result models.RemoteExecutionResult) (*models.StepOutcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "reconciler.handle_response",
		attribute.String(otelhelper.CallbackIDKey, result.CallbackID),
		attribute.String(otelhelper.CommandStatusKey, string(result.CommandStatus)))
	defer span.End()

	r.metrics.ResponsesReceived.WithLabelValues(string(result.CommandStatus), strconv.FormatBool(result.TransportError)).Inc()

	stepExecutionKey, err := r.owner(ctx, result.CallbackID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if stepExecutionKey == "" {
		return nil, nil
	}

	span.SetAttributes(attribute.String(otelhelper.StepExecutionKeyKey, stepExecutionKey))

	if err := r.tasks.MarkCompleted(ctx, result.CallbackID); err != nil && !persistence.IsTaskNotFound(err) {
		r.logger.WarnContext(ctx, "Failed to record task completion", "callback_id", result.CallbackID, "error", err)
	}

	waitSet, changed, err := r.store.MarkResolved(ctx, stepExecutionKey, result)
	if err != nil {
		if persistence.IsWaitSetNotFound(err) {
			return nil, nil
		}

		otelhelper.SetError(span, err)

		return nil, err
	}

	if !changed {
		r.metrics.DuplicateResponses.Inc()
		r.logger.DebugContext(ctx, "Response had no effect",
			"callback_id", result.CallbackID,
			"step_execution_key", stepExecutionKey,
			"final", waitSet.IsFinal())
	}

	// Runs even for duplicates: a previous attempt may have resolved the last
	// callback and then failed before finalizing or publishing.
	outcome, err := r.settle(ctx, waitSet)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return outcome, nil
}

// AbortStep finalizes the step as ABORTED and asks delegates to stop every
// unresolved callback. It returns nil when the step already had an outcome.
func (r *Reconciler) AbortStep(ctx context.Context, stepExecutionKey string) (*models.StepOutcome, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.tracer, "reconciler.abort_step",
		attribute.String(otelhelper.StepExecutionKeyKey, stepExecutionKey))
	defer span.End()

	outcome, err := r.terminate(ctx, stepExecutionKey, models.StepStatusAborted, models.WaitSetStateAborted,
		&models.FailureInfo{Message: abortedMessage, FailureTypes: []models.FailureType{models.FailureTypeUnknown}})
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return outcome, err
}

// EmitPending publishes outcomes that were decided but never published, either
// because no publisher claimed them or because the claim holder died before
// archiving. It returns how many outcomes this call published.
func (r *Reconciler) EmitPending(ctx context.Context) (int, error) {
	pending, err := r.store.Unemitted(ctx, r.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list unemitted wait sets: %w", err)
	}

	emitted := 0

	for _, waitSet := range pending {
		outcome, err := r.emit(ctx, waitSet)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to emit pending outcome",
				"step_execution_key", waitSet.StepExecutionKey, "error", err)

			continue
		}

		if outcome != nil {
			r.logger.InfoContext(ctx, "Pending outcome emitted", "step_execution_key", waitSet.StepExecutionKey)

			emitted++
		}
	}

	return emitted, nil
}

// ExpireWaitSets finalizes as EXPIRED every step whose wait deadline passed and
// returns how many outcomes this call emitted.
func (r *Reconciler) ExpireWaitSets(ctx context.Context) (int, error) {
	overdue, err := r.store.Overdue(ctx, r.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue wait sets: %w", err)
	}

	expired := 0

	for _, waitSet := range overdue {
		outcome, err := r.terminate(ctx, waitSet.StepExecutionKey, models.StepStatusExpired, models.WaitSetStateExpired,
			&models.FailureInfo{Message: expiredMessage, FailureTypes: []models.FailureType{models.FailureTypeTimeout}})
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to expire wait set",
				"step_execution_key", waitSet.StepExecutionKey, "error", err)

			continue
		}

		if outcome != nil {
			expired++
		}
	}

	return expired, nil
}

// owner returns the step execution key of a callback id. An empty key with a
// nil error means the response belongs to nothing live and must be dropped.
func (r *Reconciler) owner(ctx context.Context, callbackID string) (string, error) {
	stepExecutionKey, err := r.store.LookupByCallback(ctx, callbackID)
	if err == nil {
		return stepExecutionKey, nil
	}

	if !persistence.IsWaitSetNotFound(err) {
		return "", err
	}

	task, taskErr := r.tasks.Status(ctx, callbackID)

	switch {
	case taskErr != nil && persistence.IsTaskNotFound(taskErr):
		r.logger.InfoContext(ctx, "Dropping response for unknown callback", "callback_id", callbackID)

		return "", nil
	case taskErr != nil:
		return "", taskErr
	case task.Status.IsTerminal():
		r.logger.InfoContext(ctx, "Dropping late response", "callback_id", callbackID, "task_status", task.Status)

		return "", nil
	default:
		return "", fmt.Errorf("%w: callback %s", ErrWaitSetPending, callbackID)
	}
}

func (r *Reconciler) terminate(
	ctx context.Context,
	stepExecutionKey string,
	status models.StepStatus,
	state models.WaitSetState,
	failure *models.FailureInfo,
) (*models.StepOutcome, error) {
	outcome := models.StepOutcome{
		StepExecutionKey: stepExecutionKey,
		Status:           status,
		FailureInfo:      failure,
		CompletedAt:      r.clock.Now().UTC(),
	}

	waitSet, won, err := r.store.Finalize(ctx, stepExecutionKey, outcome, state)
	if err != nil {
		if persistence.IsWaitSetNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if won {
		r.metrics.StepOutcomes.WithLabelValues(string(status)).Inc()
		r.abortPending(ctx, waitSet)
	}

	return r.emit(ctx, waitSet)
}

// abortPending asks delegates to stop callbacks whose results no longer matter.
func (r *Reconciler) abortPending(ctx context.Context, waitSet *models.StepWaitSet) {
	for _, callbackID := range waitSet.Pending() {
		if _, err := r.tasks.Abort(ctx, models.CallbackHandle{ID: callbackID}); err != nil {
			r.logger.WarnContext(ctx, "Failed to abort pending task", "callback_id", callbackID, "error", err)
		}
	}
}

// settle finalizes a complete wait set and emits its outcome.
func (r *Reconciler) settle(ctx context.Context, waitSet *models.StepWaitSet) (*models.StepOutcome, error) {
	if !waitSet.IsFinal() {
		if !waitSet.State.IsComplete() {
			return nil, nil
		}

		outcome := r.computeOutcome(waitSet)

		final, won, err := r.store.Finalize(ctx, waitSet.StepExecutionKey, outcome, "")
		if err != nil {
			return nil, err
		}

		if won {
			r.metrics.StepOutcomes.WithLabelValues(string(outcome.Status)).Inc()
			r.metrics.StepWaitDuration.Observe(outcome.CompletedAt.Sub(waitSet.CreatedAt).Seconds())
			// A short-circuited step leaves callbacks running on delegates.
			r.abortPending(ctx, final)
		}

		waitSet = final
	}

	return r.emit(ctx, waitSet)
}

func (r *Reconciler) computeOutcome(waitSet *models.StepWaitSet) models.StepOutcome {
	status, failure := Fold(waitSet.Results())

	return models.StepOutcome{
		StepExecutionKey:  waitSet.StepExecutionKey,
		Status:            status,
		FailureInfo:       failure,
		StructuredOutputs: ExtractOutputs(r.logger, waitSet, r.registry.TaskType),
		CompletedAt:       r.clock.Now().UTC(),
	}
}

// emit saves the outputs of the recorded outcome and publishes it. Only the
// holder of the emission claim does so; the claim is released on failure so a
// redelivered response or the sweeper can try again.
func (r *Reconciler) emit(ctx context.Context, waitSet *models.StepWaitSet) (*models.StepOutcome, error) {
	if !waitSet.IsFinal() || waitSet.IsArchived() {
		return nil, nil
	}

	claimed, won, err := r.store.ClaimEmission(ctx, waitSet.StepExecutionKey, r.clock.Now().UTC())
	if err != nil {
		if persistence.IsWaitSetNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if !won {
		return nil, nil
	}

	outcome := *claimed.Outcome

	if err := r.publish(ctx, outcome); err != nil {
		if releaseErr := r.store.ReleaseEmission(ctx, outcome.StepExecutionKey); releaseErr != nil {
			r.logger.ErrorContext(ctx, "Failed to release emission claim",
				"step_execution_key", outcome.StepExecutionKey, "error", releaseErr)
		}

		return nil, err
	}

	r.logger.InfoContext(ctx, "Step resumed",
		"step_execution_key", outcome.StepExecutionKey,
		"status", outcome.Status,
		"outputs", len(outcome.StructuredOutputs))

	if err := r.store.Archive(ctx, outcome.StepExecutionKey, r.clock.Now().UTC()); err != nil {
		r.logger.WarnContext(ctx, "Failed to archive wait set", "step_execution_key", outcome.StepExecutionKey, "error", err)
	}

	return &outcome, nil
}

// publish upserts the outcome's outputs, then sends StepResumed. Both are
// idempotent: outputs are keyed by name and the event id by step execution.
func (r *Reconciler) publish(ctx context.Context, outcome models.StepOutcome) error {
	for _, output := range outcome.StructuredOutputs {
		if err := r.outputs.SaveOutput(ctx, outcome.StepExecutionKey, output); err != nil {
			return fmt.Errorf("failed to save output %s: %w", output.Name, err)
		}
	}

	event := events.StepResumed{
		BaseEvent:        events.NewBaseEvent(events.StepResumedEvent, outcome.StepExecutionKey),
		StepExecutionKey: outcome.StepExecutionKey,
		Outcome:          outcome,
	}
	event.ID = "step-resumed-" + outcome.StepExecutionKey

	if err := r.publisher.Publish(ctx, outcome.StepExecutionKey, event); err != nil {
		return fmt.Errorf("failed to publish outcome of %s: %w", outcome.StepExecutionKey, err)
	}

	return nil
}
