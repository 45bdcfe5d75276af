package mocks

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTaskRepository is a mock implementation of persistence.TaskRepository interface.
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) CreateTask(ctx context.Context, task *models.DelegateTask) error {
	args := m.Called(ctx, task)

	return args.Error(0)
}

func (m *MockTaskRepository) TaskByID(ctx context.Context, id string) (*models.DelegateTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DelegateTask), args.Error(1)
}

func (m *MockTaskRepository) UpdateTask(ctx context.Context, task *models.DelegateTask) error {
	args := m.Called(ctx, task)

	return args.Error(0)
}

func (m *MockTaskRepository) DueTasks(ctx context.Context, now time.Time) ([]*models.DelegateTask, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DelegateTask), args.Error(1)
}

// MockWaitSetRepository is a mock implementation of persistence.WaitSetRepository interface.
type MockWaitSetRepository struct {
	mock.Mock
}

func (m *MockWaitSetRepository) CreateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	args := m.Called(ctx, waitSet)

	return args.Error(0)
}

func (m *MockWaitSetRepository) WaitSetByKey(ctx context.Context, stepExecutionKey string) (*models.StepWaitSet, error) {
	args := m.Called(ctx, stepExecutionKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepWaitSet), args.Error(1)
}

func (m *MockWaitSetRepository) WaitSetKeyByCallback(ctx context.Context, callbackID string) (string, error) {
	args := m.Called(ctx, callbackID)

	return args.String(0), args.Error(1)
}

func (m *MockWaitSetRepository) UpdateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	args := m.Called(ctx, waitSet)

	return args.Error(0)
}

func (m *MockWaitSetRepository) OverdueWaitSets(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepWaitSet), args.Error(1)
}

func (m *MockWaitSetRepository) UnemittedWaitSets(ctx context.Context, pendingBefore time.Time) ([]*models.StepWaitSet, error) {
	args := m.Called(ctx, pendingBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepWaitSet), args.Error(1)
}
