// Package main provides the relay orchestrator: it resolves delegate responses
// against step wait sets and runs the expiry sweeps.
package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/reconciler"
	"github.com/dukex/relay/pkg/sweeper"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 30 * time.Second

type ResponseHandler interface {
	HandleReceived(ctx context.Context, event events.TaskResponseReceived) (*models.StepOutcome, error)
}

type Orchestrator struct {
	logger    *slog.Logger
	eventBus  eventbus.EventSubscriber
	responses ResponseHandler
	sweeper   *sweeper.Sweeper
}

func NewOrchestrator(
	logger *slog.Logger,
	eventBus eventbus.EventSubscriber,
	responses ResponseHandler,
	sweeper *sweeper.Sweeper,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger.With("module", "orchestrator"),
		eventBus:  eventBus,
		responses: responses,
		sweeper:   sweeper,
	}
}

// Run consumes delegate responses and sweeps on schedule until ctx is cancelled.
// One sweep runs at startup to settle whatever expired while no orchestrator ran.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.eventBus.Handle(events.TaskResponseReceivedEvent, o.handleTaskResponse); err != nil {
		return err
	}

	if err := o.eventBus.Subscribe(ctx); err != nil {
		o.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	if err := o.sweeper.Start(ctx); err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "Orchestrator started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.sweeper.Sweep(gctx)

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		return o.sweeper.Stop(stopCtx)
	})

	err := g.Wait()

	o.logger.Info("Orchestrator stopped")

	return err
}

// handleTaskResponse acknowledges everything except failures worth a redelivery:
// a wait set not registered yet, and storage or publish errors.
func (o *Orchestrator) handleTaskResponse(ctx context.Context, event any) error {
	received, ok := event.(*events.TaskResponseReceived)
	if !ok {
		o.logger.ErrorContext(ctx, "Invalid event type for TaskResponseReceived")

		return nil
	}

	logger := o.logger.With("callback_id", received.CallbackID, "event_id", received.ID)

	outcome, err := o.responses.HandleReceived(ctx, *received)

	switch {
	case errors.Is(err, reconciler.ErrMalformedEnvelope):
		logger.WarnContext(ctx, "Dropping malformed response", "error", err)

		return nil
	case errors.Is(err, reconciler.ErrWaitSetPending):
		logger.DebugContext(ctx, "Wait set not registered yet, requesting redelivery")

		return err
	case err != nil:
		logger.ErrorContext(ctx, "Failed to resolve response", "error", err)

		return err
	}

	if outcome != nil {
		logger.InfoContext(ctx, "Step resolved",
			"step_execution_key", outcome.StepExecutionKey,
			"status", outcome.Status)
	}

	return nil
}
