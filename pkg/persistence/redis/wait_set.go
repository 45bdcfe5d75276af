package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

// WaitSetRepository stores wait sets under <prefix>:waitset:<key> and the
// callback reverse index under <prefix>:callback:<id>.
type WaitSetRepository struct {
	p *Persistence
}

func (r *WaitSetRepository) recordKey(key string) string { return r.p.key("waitset", key) }
func (r *WaitSetRepository) callbackKey(id string) string { return r.p.key("callback", id) }
func (r *WaitSetRepository) indexKey() string { return r.p.key("waitsets", "deadline") }
func (r *WaitSetRepository) pendingKey() string { return r.p.key("waitsets", "emission") }

func waitSetDeadline(waitSet *models.StepWaitSet) *time.Time {
	if waitSet.IsFinal() {
		return nil
	}

	return waitSet.Deadline
}

func (r *WaitSetRepository) CreateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	keys := []string{r.recordKey(waitSet.StepExecutionKey), r.indexKey()}
	for _, callbackID := range waitSet.CallbackIDs {
		keys = append(keys, r.callbackKey(callbackID))
	}

	waitSet.Version = 1

	result, err := r.p.create(ctx, keys, waitSet, waitSet.StepExecutionKey,
		score(waitSetDeadline(waitSet)), string(waitSet.State), waitSet.StepExecutionKey)
	if err != nil {
		waitSet.Version = 0

		return err
	}

	switch result {
	case createExists:
		waitSet.Version = 0

		return persistence.NewRecordError("CreateWaitSet", "wait_set", waitSet.StepExecutionKey, persistence.ErrWaitSetAlreadyExists)
	case createLookupTaken:
		waitSet.Version = 0

		return persistence.NewRecordError("CreateWaitSet", "wait_set", waitSet.StepExecutionKey,
			fmt.Errorf("callback id already registered to another step: %w", persistence.ErrWaitSetAlreadyExists))
	}

	return nil
}

func (r *WaitSetRepository) WaitSetByKey(ctx context.Context, stepExecutionKey string) (*models.StepWaitSet, error) {
	var waitSet models.StepWaitSet

	version, found, err := r.p.load(ctx, r.recordKey(stepExecutionKey), &waitSet)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRecordError("WaitSetByKey", "wait_set", stepExecutionKey, persistence.ErrWaitSetNotFound)
	}

	if waitSet.Callbacks == nil {
		waitSet.Callbacks = make(map[string]models.CallbackState)
	}

	waitSet.Version = version

	return &waitSet, nil
}

func (r *WaitSetRepository) WaitSetKeyByCallback(ctx context.Context, callbackID string) (string, error) {
	key, err := r.p.client.Get(ctx, r.callbackKey(callbackID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", persistence.NewRecordError("WaitSetKeyByCallback", "callback", callbackID, persistence.ErrWaitSetNotFound)
		}

		return "", fmt.Errorf("failed to lookup callback: %w", err)
	}

	return key, nil
}

func (r *WaitSetRepository) UpdateWaitSet(ctx context.Context, waitSet *models.StepWaitSet) error {
	expected := waitSet.Version
	previousUpdatedAt := waitSet.UpdatedAt

	waitSet.Version = expected + 1
	waitSet.UpdatedAt = time.Now().UTC()

	idx := indexes{
		deadlineKey:   r.indexKey(),
		deadlineScore: score(waitSetDeadline(waitSet)),
		pendingKey:    r.pendingKey(),
		pendingScore:  score(waitSet.EmissionPendingSince()),
	}

	result, err := r.p.compareAndSet(ctx, r.recordKey(waitSet.StepExecutionKey), idx, expected,
		waitSet, waitSet.StepExecutionKey, "", string(waitSet.State))
	if err == nil {
		err = writeError("UpdateWaitSet", "wait_set", waitSet.StepExecutionKey, result, persistence.ErrWaitSetNotFound)
	}

	if err != nil {
		waitSet.Version = expected
		waitSet.UpdatedAt = previousUpdatedAt

		return err
	}

	return nil
}

func (r *WaitSetRepository) OverdueWaitSets(ctx context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	return r.indexed(ctx, r.indexKey(), now, func(waitSet *models.StepWaitSet) bool {
		return !waitSet.IsFinal()
	})
}

func (r *WaitSetRepository) UnemittedWaitSets(ctx context.Context, pendingBefore time.Time) ([]*models.StepWaitSet, error) {
	return r.indexed(ctx, r.pendingKey(), pendingBefore, func(waitSet *models.StepWaitSet) bool {
		since := waitSet.EmissionPendingSince()

		return since != nil && !pendingBefore.Before(*since)
	})
}

// indexed loads the members of an index scored at or before at and keeps
// those the record itself still qualifies.
func (r *WaitSetRepository) indexed(
	ctx context.Context,
	indexKey string,
	at time.Time,
	keep func(*models.StepWaitSet) bool,
) ([]*models.StepWaitSet, error) {
	keys, err := r.p.dueMembers(ctx, indexKey, at)
	if err != nil {
		return nil, err
	}

	waitSets := make([]*models.StepWaitSet, 0, len(keys))

	for _, key := range keys {
		waitSet, err := r.WaitSetByKey(ctx, key)
		if err != nil {
			if persistence.IsWaitSetNotFound(err) {
				continue
			}

			return nil, err
		}

		if keep(waitSet) {
			waitSets = append(waitSets, waitSet)
		}
	}

	return waitSets, nil
}
