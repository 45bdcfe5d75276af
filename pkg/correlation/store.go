// Package correlation maps callback ids to the step execution waiting on them and
// records which callbacks are resolved. All writes are compare-and-swap, so
// concurrent reconcilers converge on the same wait set state.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

const maxUpdateAttempts = 16

// DefaultEmissionLease is how long an emission claim blocks other publishers.
// A claim older than the lease is considered abandoned by a crashed process.
const DefaultEmissionLease = 2 * time.Minute

var ErrEmptyWaitSet = errors.New("wait set has no callback ids")

type Store struct {
	logger   *slog.Logger
	waitSets persistence.WaitSetRepository
	lease    time.Duration
}

type Option func(*Store)

func WithEmissionLease(lease time.Duration) Option {
	return func(s *Store) { s.lease = lease }
}

func NewStore(logger *slog.Logger, waitSets persistence.WaitSetRepository, opts ...Option) *Store {
	s := &Store{
		logger:   logger.With("module", "correlation"),
		waitSets: waitSets,
		lease:    DefaultEmissionLease,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Put registers the wait set of a step execution. Only one wait set may ever
// exist per key: archived step executions keep their key.
func (s *Store) Put(ctx context.Context, waitSet *models.StepWaitSet) error {
	if len(waitSet.CallbackIDs) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyWaitSet, waitSet.StepExecutionKey)
	}

	if err := s.waitSets.CreateWaitSet(ctx, waitSet); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "Wait set registered",
		"step_execution_key", waitSet.StepExecutionKey,
		"callback_ids", waitSet.CallbackIDs)

	return nil
}

// Get returns the wait set, or ErrWaitSetNotFound when it was never created or was archived.
func (s *Store) Get(ctx context.Context, stepExecutionKey string) (*models.StepWaitSet, error) {
	waitSet, err := s.waitSets.WaitSetByKey(ctx, stepExecutionKey)
	if err != nil {
		return nil, err
	}

	if waitSet.IsArchived() {
		return nil, persistence.NewRecordError("Get", "wait_set", stepExecutionKey, persistence.ErrWaitSetNotFound)
	}

	return waitSet, nil
}

// Registered reports whether the key was ever used by a step execution, archived or not.
func (s *Store) Registered(ctx context.Context, stepExecutionKey string) (bool, error) {
	_, err := s.waitSets.WaitSetByKey(ctx, stepExecutionKey)
	if err == nil {
		return true, nil
	}

	if persistence.IsWaitSetNotFound(err) {
		return false, nil
	}

	return false, err
}

// LookupByCallback returns the step execution key owning a callback id.
func (s *Store) LookupByCallback(ctx context.Context, callbackID string) (string, error) {
	return s.waitSets.WaitSetKeyByCallback(ctx, callbackID)
}

// MarkResolved records the result for its callback id. It is idempotent: a
// result for an already resolved id, an unknown id, or a final wait set leaves
// the record unchanged and reports changed=false.
func (s *Store) MarkResolved(
	ctx context.Context,
	stepExecutionKey string,
	result models.RemoteExecutionResult,
) (*models.StepWaitSet, bool, error) {
	return s.update(ctx, stepExecutionKey, func(waitSet *models.StepWaitSet) bool {
		return waitSet.Resolve(result)
	})
}

// Finalize records the outcome when no outcome exists yet. Exactly one caller
// wins; losers get won=false and the wait set carrying the winning outcome.
func (s *Store) Finalize(
	ctx context.Context,
	stepExecutionKey string,
	outcome models.StepOutcome,
	state models.WaitSetState,
) (*models.StepWaitSet, bool, error) {
	return s.update(ctx, stepExecutionKey, func(waitSet *models.StepWaitSet) bool {
		if waitSet.IsFinal() {
			return false
		}

		recorded := outcome
		waitSet.Outcome = &recorded

		if state != "" {
			waitSet.State = state
		}

		return true
	})
}

// ClaimEmission marks a final wait set's outcome as being emitted. Exactly one
// caller wins a claim. A claim older than the emission lease can be taken
// over, so an outcome whose publisher died is still published.
func (s *Store) ClaimEmission(ctx context.Context, stepExecutionKey string, at time.Time) (*models.StepWaitSet, bool, error) {
	return s.update(ctx, stepExecutionKey, func(waitSet *models.StepWaitSet) bool {
		if !waitSet.IsFinal() || waitSet.IsArchived() {
			return false
		}

		if waitSet.IsEmitted() && at.Before(waitSet.EmittedAt.Add(s.lease)) {
			return false
		}

		claimedAt := at
		waitSet.EmittedAt = &claimedAt

		return true
	})
}

// ReleaseEmission undoes a claim whose publication failed, so a redelivered
// response can emit the outcome again.
func (s *Store) ReleaseEmission(ctx context.Context, stepExecutionKey string) error {
	_, _, err := s.update(ctx, stepExecutionKey, func(waitSet *models.StepWaitSet) bool {
		if !waitSet.IsEmitted() || waitSet.IsArchived() {
			return false
		}

		waitSet.EmittedAt = nil

		return true
	})

	return err
}

// Overdue returns wait sets without an outcome whose deadline passed.
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	return s.waitSets.OverdueWaitSets(ctx, now)
}

// Unemitted returns final wait sets that are still unpublished one lease after
// their outcome or their last claim.
func (s *Store) Unemitted(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	return s.waitSets.UnemittedWaitSets(ctx, now.Add(-s.lease))
}

// Archive closes a published step execution. The record is kept so the key
// can never be registered again. Archiving a missing wait set is not an error.
func (s *Store) Archive(ctx context.Context, stepExecutionKey string, at time.Time) error {
	_, _, err := s.update(ctx, stepExecutionKey, func(waitSet *models.StepWaitSet) bool {
		if waitSet.IsArchived() {
			return false
		}

		archivedAt := at
		waitSet.ArchivedAt = &archivedAt

		return true
	})
	if err != nil && !persistence.IsWaitSetNotFound(err) {
		return err
	}

	return nil
}

func (s *Store) update(
	ctx context.Context,
	stepExecutionKey string,
	mutate func(*models.StepWaitSet) bool,
) (*models.StepWaitSet, bool, error) {
	for attempt := range maxUpdateAttempts {
		waitSet, err := s.waitSets.WaitSetByKey(ctx, stepExecutionKey)
		if err != nil {
			return nil, false, err
		}

		if !mutate(waitSet) {
			return waitSet, false, nil
		}

		err = s.waitSets.UpdateWaitSet(ctx, waitSet)
		if err == nil {
			return waitSet, true, nil
		}

		if !persistence.IsVersionConflict(err) {
			return nil, false, err
		}

		s.logger.DebugContext(ctx, "Wait set changed concurrently, retrying",
			"step_execution_key", stepExecutionKey,
			"attempt", attempt+1)

		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("wait set %s: %w after %d attempts",
		stepExecutionKey, persistence.ErrVersionConflict, maxUpdateAttempts)
}
