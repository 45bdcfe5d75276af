// Package sweeper runs the periodic recovery jobs. It expires tasks, steps and
// approvals past their deadlines, and republishes step outcomes and approval
// resumptions whose first publication was lost.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/relay/pkg/models"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

type TaskExpirer interface {
	ExpireTasks(ctx context.Context) ([]models.RemoteExecutionResult, error)
}

type StepResolver interface {
	HandleResponse(ctx context.Context, result models.RemoteExecutionResult) (*models.StepOutcome, error)
	ExpireWaitSets(ctx context.Context) (int, error)
	EmitPending(ctx context.Context) (int, error)
}

type ApprovalExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
	ResumePending(ctx context.Context) (int, error)
}

// Report counts what one sweep changed.
type Report struct {
	TasksExpired     int
	StepsResolved    int
	StepsExpired     int
	StepsEmitted     int
	ApprovalsExpired int
	ApprovalsResumed int
}

type Sweeper struct {
	logger    *slog.Logger
	schedule  string
	tasks     TaskExpirer
	steps     StepResolver
	approvals ApprovalExpirer

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewSweeper(
	logger *slog.Logger,
	schedule string,
	tasks TaskExpirer,
	steps StepResolver,
	approvals ApprovalExpirer,
) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", schedule, err)
	}

	return &Sweeper{
		logger:    logger.With("module", "sweeper"),
		schedule:  schedule,
		tasks:     tasks,
		steps:     steps,
		approvals: approvals,
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(runCtx) }); err != nil {
		cancel()
		s.cron = nil

		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", s.schedule)

	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	s.cancel()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.cron = nil
	s.logger.Info("Sweeper stopped")

	return nil
}

// Sweep runs every expiry job once. Task expiry comes first so that steps
// owning an expired task fail with the infrastructure message before their
// own wait deadline is considered.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report

	results, err := s.tasks.ExpireTasks(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Task expiry failed", "error", err)
	}

	report.TasksExpired = len(results)

	for _, result := range results {
		outcome, err := s.steps.HandleResponse(ctx, result)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to resolve expired task", "callback_id", result.CallbackID, "error", err)

			continue
		}

		if outcome != nil {
			report.StepsResolved++
		}
	}

	if report.StepsExpired, err = s.steps.ExpireWaitSets(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Wait set expiry failed", "error", err)
	}

	if report.StepsEmitted, err = s.steps.EmitPending(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Pending outcome emission failed", "error", err)
	}

	if report.ApprovalsExpired, err = s.approvals.ExpireDue(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Approval expiry failed", "error", err)
	}

	if report.ApprovalsResumed, err = s.approvals.ResumePending(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Pending approval resumption failed", "error", err)
	}

	if report != (Report{}) {
		s.logger.InfoContext(ctx, "Sweep finished",
			"tasks_expired", report.TasksExpired,
			"steps_resolved", report.StepsResolved,
			"steps_expired", report.StepsExpired,
			"steps_emitted", report.StepsEmitted,
			"approvals_expired", report.ApprovalsExpired,
			"approvals_resumed", report.ApprovalsResumed)
	}

	return report
}
