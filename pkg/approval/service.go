// Package approval implements steps that wait on human or external-system action.
// Every transition is a single conditional write guarded on the WAITING status,
// so an expiry sweep, an abort and an approver racing each other resolve to one
// terminal status.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/relay/pkg/eventbus"
	"github.com/dukex/relay/pkg/events"
	"github.com/dukex/relay/pkg/metrics"
	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/otelhelper"
	"github.com/dukex/relay/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout applies when a request does not set one.
const DefaultTimeout = 7 * 24 * time.Hour

// DefaultResumeLease is how long a finished instance may stay unpublished
// before ResumePending publishes it again.
const DefaultResumeLease = 2 * time.Minute

var errNotDue = errors.New("approval deadline not reached")

const (
	maxUpdateAttempts  = 8
	maxPublishAttempts = 3
)

// CreateRequest describes a new approval instance. An empty ID gets a UUID.
type CreateRequest struct {
	ID                   string        `json:"id,omitempty"`
	StepExecutionKey     string        `json:"step_execution_key"     validate:"required"`
	Message              string        `json:"message,omitempty"`
	Approvers            []string      `json:"approvers,omitempty"    validate:"dive,required"`
	MinimumApprovalCount int           `json:"minimum_approval_count" validate:"gte=0"`
	Timeout              time.Duration `json:"timeout,omitempty"      validate:"gte=0"`
}

// ActivityRequest is one approver action.
type ActivityRequest struct {
	Actor    string                `json:"actor"              validate:"required"`
	Action   models.ApprovalAction `json:"action"             validate:"required,oneof=APPROVE REJECT"`
	Comments string                `json:"comments,omitempty"`
	Inputs   map[string]string     `json:"inputs,omitempty"`
}

type Service struct {
	logger    *slog.Logger
	approvals persistence.ApprovalRepository
	publisher eventbus.EventPublisher
	validator *validator.Validate
	clock     clockwork.Clock
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	lease     time.Duration
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithResumeLease(lease time.Duration) Option {
	return func(s *Service) { s.lease = lease }
}

func NewService(
	logger *slog.Logger,
	approvals persistence.ApprovalRepository,
	publisher eventbus.EventPublisher,
	opts ...Option,
) *Service {
	s := &Service{
		logger:    logger.With("module", "approval"),
		approvals: approvals,
		publisher: publisher,
		validator: validator.New(validator.WithRequiredStructEnabled()),
		clock:     clockwork.NewRealClock(),
		tracer:    otelhelper.NewNoopTracer(),
		metrics:   metrics.NewNop(),
		lease:     DefaultResumeLease,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Create stores a WAITING instance whose deadline is now plus the timeout.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.ApprovalInstance, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	minimum := req.MinimumApprovalCount
	if minimum == 0 {
		minimum = 1
	}

	if len(req.Approvers) > 0 && minimum > len(req.Approvers) {
		return nil, fmt.Errorf("%w: minimum approval count %d exceeds %d approvers",
			ErrInvalidRequest, minimum, len(req.Approvers))
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock.Now().UTC()
	instance := &models.ApprovalInstance{
		ID:                   id,
		StepExecutionKey:     req.StepExecutionKey,
		Status:               models.ApprovalStatusWaiting,
		Message:              req.Message,
		Approvers:            req.Approvers,
		MinimumApprovalCount: minimum,
		Timeout:              timeout,
		Deadline:             now.Add(timeout),
		Activities:           []models.ApprovalActivity{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.approvals.CreateApproval(ctx, instance); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Approval waiting",
		"approval_id", instance.ID,
		"step_execution_key", instance.StepExecutionKey,
		"deadline", instance.Deadline)

	return instance, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	return s.approvals.ApprovalByID(ctx, id)
}

// AddActivity records an approver action. A rejection ends the instance at
// once; approvals end it when enough distinct approvers have approved.
func (s *Service) AddActivity(ctx context.Context, id string, req ActivityRequest) (*models.ApprovalInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "approval.add_activity",
		attribute.String(otelhelper.ApprovalIDKey, id))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidActivity, err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	instance, err := s.transition(ctx, id, func(instance *models.ApprovalInstance, now time.Time) error {
		if !now.Before(instance.Deadline) {
			return ErrDeadlinePassed
		}

		if !instance.CanAct(req.Actor) {
			return fmt.Errorf("%w: %s", ErrUnauthorizedApprover, req.Actor)
		}

		if instance.HasActed(req.Actor) {
			return fmt.Errorf("%w: %s", ErrDuplicateApproval, req.Actor)
		}

		instance.Activities = append(instance.Activities, models.ApprovalActivity{
			Actor:     req.Actor,
			Action:    req.Action,
			Comments:  req.Comments,
			Inputs:    req.Inputs,
			CreatedAt: now,
		})

		switch {
		case req.Action == models.ApprovalActionReject:
			instance.Status = models.ApprovalStatusRejected
			instance.Message = "Rejected by " + req.Actor
		case instance.ApprovalCount() >= instance.MinimumApprovalCount:
			instance.Status = models.ApprovalStatusApproved
			instance.Message = "Approved by " + strings.Join(approvers(instance), ", ")
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.ApprovalStatusKey, string(instance.Status)))

	return instance, nil
}

// Abort ends a WAITING instance as ABORTED.
func (s *Service) Abort(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "approval.abort",
		attribute.String(otelhelper.ApprovalIDKey, id))
	defer span.End()

	instance, err := s.transition(ctx, id, func(instance *models.ApprovalInstance, _ time.Time) error {
		instance.Status = models.ApprovalStatusAborted
		instance.Message = "Approval aborted"

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return instance, err
}

// ExpireDue moves every WAITING instance past its deadline to EXPIRED and
// returns how many this call expired. Instances another writer finished first
// are skipped.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.approvals.ExpiredApprovals(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired approvals: %w", err)
	}

	expired := 0

	for _, candidate := range due {
		_, err := s.transition(ctx, candidate.ID, func(instance *models.ApprovalInstance, now time.Time) error {
			if now.Before(instance.Deadline) {
				return errNotDue
			}

			instance.Status = models.ApprovalStatusExpired
			instance.Message = "Approval not approved within " + formatDuration(instance.Timeout)

			return nil
		})

		switch {
		case err == nil:
			expired++
		case IsInvalidState(err), errors.Is(err, errNotDue):
			s.logger.DebugContext(ctx, "Approval no longer due", "approval_id", candidate.ID, "error", err)
		default:
			s.logger.ErrorContext(ctx, "Failed to expire approval", "approval_id", candidate.ID, "error", err)
		}
	}

	return expired, nil
}

// ResumePending publishes the resume event of finished instances still
// unpublished one lease after they finished, and returns how many it published.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.approvals.UnresumedApprovals(ctx, s.clock.Now().UTC().Add(-s.lease))
	if err != nil {
		return 0, fmt.Errorf("failed to list unresumed approvals: %w", err)
	}

	resumed := 0

	for _, instance := range pending {
		if s.resume(ctx, instance) {
			resumed++
		}
	}

	return resumed, nil
}

// transition applies one change to a WAITING instance with a conditional
// write, retrying on version conflicts. The writer that moves the instance to
// a terminal status publishes the resume event.
func (s *Service) transition(
	ctx context.Context,
	id string,
	apply func(instance *models.ApprovalInstance, now time.Time) error,
) (*models.ApprovalInstance, error) {
	for attempt := range maxUpdateAttempts {
		instance, err := s.approvals.ApprovalByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if instance.Status.IsTerminal() {
			return nil, &InvalidStateError{ID: id, Status: instance.Status}
		}

		now := s.clock.Now().UTC()

		if err := apply(instance, now); err != nil {
			return nil, err
		}

		if instance.Status.IsTerminal() {
			instance.CompletedAt = &now
		}

		err = s.approvals.UpdateApprovalIfWaiting(ctx, instance)
		if err == nil {
			if instance.Status.IsTerminal() {
				s.metrics.ApprovalTransitions.WithLabelValues(string(instance.Status)).Inc()
				s.resume(ctx, instance)
			}

			return instance, nil
		}

		if !persistence.IsVersionConflict(err) {
			return nil, err
		}

		s.logger.DebugContext(ctx, "Approval changed concurrently, retrying",
			"approval_id", id,
			"attempt", attempt+1)
	}

	return nil, fmt.Errorf("approval %s: %w after %d attempts", id, persistence.ErrVersionConflict, maxUpdateAttempts)
}

// resume publishes the terminal status and records that it was published. The
// status is already stored, so a failed publication is logged rather than
// returned to the approver; ResumePending retries it later.
func (s *Service) resume(ctx context.Context, instance *models.ApprovalInstance) bool {
	event := events.ApprovalResumed{
		BaseEvent:        events.NewBaseEvent(events.ApprovalResumedEvent, instance.StepExecutionKey),
		ApprovalID:       instance.ID,
		StepExecutionKey: instance.StepExecutionKey,
		Status:           instance.Status,
		Message:          instance.Message,
		Activities:       instance.Activities,
	}
	event.ID = "approval-resumed-" + instance.ID

	var err error

	for range maxPublishAttempts {
		if err = s.publisher.Publish(ctx, instance.StepExecutionKey, event); err == nil {
			s.logger.InfoContext(ctx, "Approval resumed",
				"approval_id", instance.ID,
				"step_execution_key", instance.StepExecutionKey,
				"status", instance.Status)

			s.markResumed(ctx, instance.ID)

			return true
		}
	}

	s.logger.ErrorContext(ctx, "Failed to publish approval resume",
		"approval_id", instance.ID,
		"status", instance.Status,
		"error", err)

	return false
}

// markResumed sets ResumedAt once. A failure only means the event may be
// published again, which consumers absorb through its stable id.
func (s *Service) markResumed(ctx context.Context, id string) {
	for range maxUpdateAttempts {
		instance, err := s.approvals.ApprovalByID(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "Failed to load approval to mark resumed", "approval_id", id, "error", err)

			return
		}

		if instance.ResumedAt != nil {
			return
		}

		now := s.clock.Now().UTC()
		instance.ResumedAt = &now

		err = s.approvals.UpdateApproval(ctx, instance)
		if err == nil {
			return
		}

		if !persistence.IsVersionConflict(err) {
			s.logger.WarnContext(ctx, "Failed to mark approval resumed", "approval_id", id, "error", err)

			return
		}
	}

	s.logger.WarnContext(ctx, "Approval kept changing while marking it resumed", "approval_id", id)
}

func approvers(instance *models.ApprovalInstance) []string {
	seen := make(map[string]struct{})
	names := make([]string, 0, len(instance.Activities))

	for _, activity := range instance.Activities {
		if activity.Action != models.ApprovalActionApprove {
			continue
		}

		if _, ok := seen[activity.Actor]; ok {
			continue
		}

		seen[activity.Actor] = struct{}{}
		names = append(names, activity.Actor)
	}

	return names
}

// formatDuration renders whole days, hours, minutes and seconds, e.g. "7d" or "1h30m".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	units := []struct {
		size   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}

	var b strings.Builder

	for _, unit := range units {
		if n := d / unit.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit.suffix)
			d -= n * unit.size
		}
	}

	if b.Len() == 0 {
		return d.String()
	}

	return b.String()
}
