package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/relay/pkg/channels/gochannel"
	"github.com/dukex/relay/pkg/cmd"
	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence/file"
	"github.com/dukex/relay/pkg/reconciler"
	"github.com/dukex/relay/pkg/sweeper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResponses struct {
	outcome *models.StepOutcome
	err     error
}

func (s stubResponses) HandleReceived(context.Context, events.TaskResponseReceived) (*models.StepOutcome, error) {
	return s.outcome, s.err
}

func TestOrchestrator_HandleTaskResponse(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "resolved", err: nil},
		{name: "malformed envelope is acknowledged", err: fmt.Errorf("%w: callback_id is required", reconciler.ErrMalformedEnvelope)},
		{name: "pending wait set is redelivered", err: fmt.Errorf("%w: callback cb-1", reconciler.ErrWaitSetPending), wantErr: true},
		{name: "storage failure is redelivered", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(slog.Default(), nil, stubResponses{err: tt.err}, nil)

			err := o.handleTaskResponse(context.Background(), &events.TaskResponseReceived{CallbackID: "cb-1"})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("unexpected event type", func(t *testing.T) {
		o := NewOrchestrator(slog.Default(), nil, stubResponses{}, nil)

		assert.NoError(t, o.handleTaskResponse(context.Background(), &events.StepResumed{}))
	})
}

func TestOrchestrator_ResolvesResponsesFromTheBus(t *testing.T) {
	logger := slog.Default()

	channel := gochannel.CreateChannel(watermill.NewSlogLogger(logger), 0)
	bus := eventbus.NewWatermillEventBus(logger, channel, channel)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	reg, err := cmd.NewRegistry(logger)
	require.NoError(t, err)

	services := cmd.NewServices(logger, file.NewPersistence(t.TempDir()), reg, bus, metrics.NewNop(), otelhelper.NewNoopTracer())

	resumed := make(chan events.StepResumed, 16)
	require.NoError(t, bus.Handle(events.StepResumedEvent, func(_ context.Context, event any) error {
		resumed <- *event.(*events.StepResumed)

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waitSet, err := services.Launcher.Start(ctx, models.StepConfig{
		StepExecutionKey: "exec-1_build",
		Step:             models.StepRef{Identifier: "build"},
		Tasks:            []models.TaskConfig{{TaskType: "ci.execute", Parameters: map[string]any{"command": "make"}}},
	}, models.RuntimeContext{})
	require.NoError(t, err)

	sweep, err := sweeper.NewSweeper(logger, "@every 1h", services.Dispatcher, services.Reconciler, services.Approvals)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- NewOrchestrator(logger, bus, services.Reconciler, sweep).Run(ctx)
	}()

	callbackID := waitSet.CallbackIDs[0]
	envelope := []byte(`{"callback_id":"` + callbackID + `","command_status":"SUCCESS"}`)

	var outcome events.StepResumed

	// The subscription starts asynchronously and gochannel drops messages sent
	// before it; duplicates of the response are absorbed by the reconciler.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, callbackID, events.TaskResponseReceived{
			BaseEvent:  events.NewBaseEvent(events.TaskResponseReceivedEvent, callbackID),
			CallbackID: callbackID,
			Envelope:   envelope,
		})

		select {
		case outcome = <-resumed:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "exec-1_build", outcome.StepExecutionKey)
	assert.Equal(t, models.StepStatusSucceeded, outcome.Outcome.Status)

	task, err := services.Dispatcher.Status(context.Background(), callbackID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	select {
	case extra := <-resumed:
		t.Fatalf("unexpected second outcome: %+v", extra)
	default:
	}
}
