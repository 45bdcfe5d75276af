package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/mocks"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence/file"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, bus *mocks.MockEventBus) (*Service, *clockwork.FakeClock) {
	t.Helper()

	if bus == nil {
		bus = mocks.NewAcceptingEventBus()
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := file.NewPersistence(t.TempDir())

	return NewService(slog.Default(), store.ApprovalRepository(), bus, WithClock(clock)), clock
}

func approve(actor string) ActivityRequest {
	return ActivityRequest{Actor: actor, Action: models.ApprovalActionApprove}
}

func reject(actor string) ActivityRequest {
	return ActivityRequest{Actor: actor, Action: models.ApprovalActionReject}
}

func TestService_Create(t *testing.T) {
	service, clock := newService(t, nil)

	instance, err := service.Create(context.Background(), CreateRequest{StepExecutionKey: "exec-1_approval"})
	require.NoError(t, err)

	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, models.ApprovalStatusWaiting, instance.Status)
	assert.Equal(t, 1, instance.MinimumApprovalCount)
	assert.Equal(t, DefaultTimeout, instance.Timeout)
	assert.Equal(t, clock.Now().UTC().Add(7*24*time.Hour), instance.Deadline)

	stored, err := service.Get(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.ID, stored.ID)
}

func TestService_CreateInvalid(t *testing.T) {
	service, _ := newService(t, nil)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{name: "missing step key", req: CreateRequest{}},
		{name: "negative timeout", req: CreateRequest{StepExecutionKey: "k", Timeout: -time.Second}},
		{name: "empty approver", req: CreateRequest{StepExecutionKey: "k", Approvers: []string{""}}},
		{name: "quorum above approvers", req: CreateRequest{StepExecutionKey: "k", Approvers: []string{"alice"}, MinimumApprovalCount: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Create(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestService_QuorumApproval(t *testing.T) {
	bus := mocks.NewAcceptingEventBus()
	service, _ := newService(t, bus)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval", MinimumApprovalCount: 2})
	require.NoError(t, err)

	instance, err = service.AddActivity(ctx, instance.ID, approve("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusWaiting, instance.Status)
	assert.Empty(t, bus.PublishedOfType(events.ApprovalResumedEvent))

	instance, err = service.AddActivity(ctx, instance.ID, approve("bob"))
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, instance.Status)
	assert.Equal(t, "Approved by alice, bob", instance.Message)

	resumed := bus.PublishedOfType(events.ApprovalResumedEvent)
	require.Len(t, resumed, 1)
	assert.Equal(t, models.ApprovalStatusApproved, resumed[0].(events.ApprovalResumed).Status)
	assert.Len(t, resumed[0].(events.ApprovalResumed).Activities, 2)
}

func TestService_RejectEndsImmediately(t *testing.T) {
	service, _ := newService(t, nil)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval", MinimumApprovalCount: 2})
	require.NoError(t, err)

	_, err = service.AddActivity(ctx, instance.ID, approve("alice"))
	require.NoError(t, err)

	instance, err = service.AddActivity(ctx, instance.ID, ActivityRequest{
		Actor:    "bob",
		Action:   models.ApprovalActionReject,
		Comments: "not today",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, instance.Status)
	assert.Equal(t, "not today", instance.Activities[1].Comments)
}

func TestService_ActivityGuards(t *testing.T) {
	service, clock := newService(t, nil)
	ctx := context.Background()

	restricted, err := service.Create(ctx, CreateRequest{
		StepExecutionKey:     "exec-1_approval",
		Approvers:            []string{"alice", "bob"},
		MinimumApprovalCount: 2,
		Timeout:              time.Hour,
	})
	require.NoError(t, err)

	_, err = service.AddActivity(ctx, restricted.ID, approve("mallory"))
	assert.True(t, errors.Is(err, ErrUnauthorizedApprover))

	_, err = service.AddActivity(ctx, restricted.ID, approve("alice"))
	require.NoError(t, err)

	_, err = service.AddActivity(ctx, restricted.ID, approve("alice"))
	assert.True(t, errors.Is(err, ErrDuplicateApproval))

	_, err = service.AddActivity(ctx, restricted.ID, ActivityRequest{Actor: "bob", Action: "MAYBE"})
	assert.True(t, errors.Is(err, ErrInvalidActivity))

	clock.Advance(time.Hour)

	_, err = service.AddActivity(ctx, restricted.ID, approve("bob"))
	assert.True(t, errors.Is(err, ErrDeadlinePassed))
}

func TestService_WaitingOnlyGuard(t *testing.T) {
	actions := map[string]func(*Service, string) error{
		"approve": func(s *Service, id string) error {
			_, err := s.AddActivity(context.Background(), id, approve("carol"))

			return err
		},
		"reject": func(s *Service, id string) error {
			_, err := s.AddActivity(context.Background(), id, reject("carol"))

			return err
		},
		"abort": func(s *Service, id string) error {
			_, err := s.Abort(context.Background(), id)

			return err
		},
	}

	for name, action := range actions {
		t.Run(name, func(t *testing.T) {
			bus := mocks.NewAcceptingEventBus()
			service, _ := newService(t, bus)

			instance, err := service.Create(context.Background(), CreateRequest{StepExecutionKey: "exec-1_approval"})
			require.NoError(t, err)

			_, err = service.AddActivity(context.Background(), instance.ID, reject("alice"))
			require.NoError(t, err)

			err = action(service, instance.ID)
			require.Error(t, err)
			assert.True(t, IsInvalidState(err))
			assert.Equal(t, "instance already completed. Status: REJECTED", err.Error())

			stored, err := service.Get(context.Background(), instance.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ApprovalStatusRejected, stored.Status)
			assert.Len(t, stored.Activities, 1)
			assert.Len(t, bus.PublishedOfType(events.ApprovalResumedEvent), 1)
		})
	}
}

func TestService_Abort(t *testing.T) {
	service, _ := newService(t, nil)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval"})
	require.NoError(t, err)

	instance, err = service.Abort(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusAborted, instance.Status)
}

func TestService_ExpireDue(t *testing.T) {
	bus := mocks.NewAcceptingEventBus()
	service, clock := newService(t, bus)
	ctx := context.Background()

	short, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval", Timeout: 90 * time.Minute})
	require.NoError(t, err)

	long, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-2_approval"})
	require.NoError(t, err)

	expired, err := service.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)

	clock.Advance(2 * time.Hour)

	expired, err = service.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := service.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusExpired, stored.Status)
	assert.Equal(t, "Approval not approved within 1h30m", stored.Message)

	stored, err = service.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusWaiting, stored.Status)

	expired, err = service.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired, "expired instances are not expired twice")
	assert.Len(t, bus.PublishedOfType(events.ApprovalResumedEvent), 1)
}

func TestService_RacingTransitionsFinishOnce(t *testing.T) {
	bus := mocks.NewAcceptingEventBus()
	service, clock := newService(t, bus)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval", Timeout: time.Hour})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	var wg sync.WaitGroup

	for i := range 6 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			if i%2 == 0 {
				_, _ = service.Abort(ctx, instance.ID)

				return
			}

			_, _ = service.ExpireDue(ctx)
		}(i)
	}

	wg.Wait()

	stored, err := service.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Contains(t, []models.ApprovalStatus{models.ApprovalStatusAborted, models.ApprovalStatusExpired}, stored.Status)
	assert.Len(t, bus.PublishedOfType(events.ApprovalResumedEvent), 1)
}

func TestService_PublishFailureKeepsTransition(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	service, _ := newService(t, bus)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval"})
	require.NoError(t, err)

	instance, err = service.AddActivity(ctx, instance.ID, approve("alice"))
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, instance.Status)
	bus.AssertNumberOfCalls(t, "Publish", maxPublishAttempts)
}

func TestService_ResumeIsRecorded(t *testing.T) {
	service, clock := newService(t, nil)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval"})
	require.NoError(t, err)

	_, err = service.AddActivity(ctx, instance.ID, approve("alice"))
	require.NoError(t, err)

	stored, err := service.Get(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, clock.Now().UTC(), *stored.CompletedAt)
	assert.NotNil(t, stored.ResumedAt)
	assert.Nil(t, stored.ResumePendingSince())
}

func TestService_ResumePendingAfterPublishFailure(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down")).Times(maxPublishAttempts)
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	service, clock := newService(t, bus)
	ctx := context.Background()

	instance, err := service.Create(ctx, CreateRequest{StepExecutionKey: "exec-1_approval"})
	require.NoError(t, err)

	_, err = service.AddActivity(ctx, instance.ID, approve("alice"))
	require.NoError(t, err)

	stored, err := service.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, stored.Status)
	assert.Nil(t, stored.ResumedAt)

	resumed, err := service.ResumePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed, "the resume lease has not passed")
	bus.AssertNumberOfCalls(t, "Publish", maxPublishAttempts)

	clock.Advance(DefaultResumeLease + time.Second)

	resumed, err = service.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	published := bus.PublishedOfType(events.ApprovalResumedEvent)
	require.Len(t, published, maxPublishAttempts+1)
	event := published[len(published)-1].(events.ApprovalResumed)
	assert.Equal(t, "approval-resumed-"+instance.ID, event.ID)
	assert.Equal(t, models.ApprovalStatusApproved, event.Status)

	stored, err = service.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ResumedAt)

	resumed, err = service.ResumePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{7 * 24 * time.Hour, "7d"},
		{90 * time.Minute, "1h30m"},
		{25*time.Hour + 5*time.Second, "1d1h5s"},
		{500 * time.Millisecond, "500ms"},
		{0, "0s"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.in))
		})
	}
}
