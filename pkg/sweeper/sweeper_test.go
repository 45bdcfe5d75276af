package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTasks struct{ mock.Mock }

func (m *mockTasks) ExpireTasks(ctx context.Context) ([]models.RemoteExecutionResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.RemoteExecutionResult), args.Error(1)
}

type mockSteps struct{ mock.Mock }

func (m *mockSteps) HandleResponse(ctx context.Context, result models.RemoteExecutionResult) (*models.StepOutcome, error) {
	args := m.Called(ctx, result)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepOutcome), args.Error(1)
}

func (m *mockSteps) ExpireWaitSets(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

func (m *mockSteps) EmitPending(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

type mockApprovals struct{ mock.Mock }

func (m *mockApprovals) ExpireDue(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

func (m *mockApprovals) ResumePending(ctx context.Context) (int, error) {
	args := m.Called(ctx)

	return args.Int(0), args.Error(1)
}

func expiredResult(callbackID string) models.RemoteExecutionResult {
	return models.NewTransportErrorResult(callbackID, "task expired", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestSweeper_Sweep(t *testing.T) {
	tasks := &mockTasks{}
	steps := &mockSteps{}
	approvals := &mockApprovals{}

	tasks.On("ExpireTasks", mock.Anything).Return([]models.RemoteExecutionResult{expiredResult("cb-1"), expiredResult("cb-2")}, nil)
	steps.On("HandleResponse", mock.Anything, expiredResult("cb-1")).Return(&models.StepOutcome{Status: models.StepStatusFailed}, nil)
	steps.On("HandleResponse", mock.Anything, expiredResult("cb-2")).Return(nil, errors.New("storage down"))
	steps.On("ExpireWaitSets", mock.Anything).Return(3, nil)
	steps.On("EmitPending", mock.Anything).Return(1, nil)
	approvals.On("ExpireDue", mock.Anything).Return(1, nil)
	approvals.On("ResumePending", mock.Anything).Return(2, nil)

	sweeper, err := NewSweeper(slog.Default(), "", tasks, steps, approvals)
	require.NoError(t, err)

	report := sweeper.Sweep(context.Background())

	assert.Equal(t, Report{
		TasksExpired:     2,
		StepsResolved:    1,
		StepsExpired:     3,
		StepsEmitted:     1,
		ApprovalsExpired: 1,
		ApprovalsResumed: 2,
	}, report)
	tasks.AssertExpectations(t)
	steps.AssertExpectations(t)
	approvals.AssertExpectations(t)
}

func TestSweeper_SweepContinuesAfterFailures(t *testing.T) {
	tasks := &mockTasks{}
	steps := &mockSteps{}
	approvals := &mockApprovals{}

	tasks.On("ExpireTasks", mock.Anything).Return(nil, errors.New("query failed"))
	steps.On("ExpireWaitSets", mock.Anything).Return(0, errors.New("query failed"))
	steps.On("EmitPending", mock.Anything).Return(1, nil)
	approvals.On("ExpireDue", mock.Anything).Return(2, nil)
	approvals.On("ResumePending", mock.Anything).Return(0, errors.New("query failed"))

	sweeper, err := NewSweeper(slog.Default(), DefaultSchedule, tasks, steps, approvals)
	require.NoError(t, err)

	report := sweeper.Sweep(context.Background())

	assert.Equal(t, Report{StepsEmitted: 1, ApprovalsExpired: 2}, report)
	steps.AssertNotCalled(t, "HandleResponse", mock.Anything, mock.Anything)
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(slog.Default(), "every now and then", &mockTasks{}, &mockSteps{}, &mockApprovals{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper, err := NewSweeper(slog.Default(), "@every 1h", &mockTasks{}, &mockSteps{}, &mockApprovals{})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, sweeper.Start(ctx))
	assert.Error(t, sweeper.Start(ctx), "second start is rejected")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, sweeper.Stop(stopCtx))
	require.NoError(t, sweeper.Stop(stopCtx), "stop is idempotent")
}
