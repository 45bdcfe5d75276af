package redis

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// ApprovalRepository stores approval instances; WAITING ones are indexed by deadline.
type ApprovalRepository struct {
	p *Persistence
}

func (r *ApprovalRepository) recordKey(id string) string { return r.p.key("approval", id) }
func (r *ApprovalRepository) indexKey() string { return r.p.key("approvals", "waiting") }
func (r *ApprovalRepository) pendingKey() string { return r.p.key("approvals", "unresumed") }

func approvalDeadline(instance *models.ApprovalInstance) *time.Time {
	if instance.Status != models.ApprovalStatusWaiting {
		return nil
	}

	return &instance.Deadline
}

func (r *ApprovalRepository) CreateApproval(ctx context.Context, instance *models.ApprovalInstance) error {
	instance.Version = 1

	result, err := r.p.create(ctx, []string{r.recordKey(instance.ID), r.indexKey()},
		instance, instance.ID, score(approvalDeadline(instance)), string(instance.Status), "")
	if err != nil {
		instance.Version = 0

		return err
	}

	if result == createExists {
		instance.Version = 0

		return persistence.NewRecordError("CreateApproval", "approval", instance.ID, persistence.ErrApprovalAlreadyExists)
	}

	return nil
}

func (r *ApprovalRepository) ApprovalByID(ctx context.Context, id string) (*models.ApprovalInstance, error) {
	var instance models.ApprovalInstance

	version, found, err := r.p.load(ctx, r.recordKey(id), &instance)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRecordError("ApprovalByID", "approval", id, persistence.ErrApprovalNotFound)
	}

	instance.Version = version

	return &instance, nil
}

func (r *ApprovalRepository) UpdateApprovalIfWaiting(ctx context.Context, instance *models.ApprovalInstance) error {
	return r.update(ctx, "UpdateApprovalIfWaiting", instance, string(models.ApprovalStatusWaiting))
}

func (r *ApprovalRepository) UpdateApproval(ctx context.Context, instance *models.ApprovalInstance) error {
	return r.update(ctx, "UpdateApproval", instance, "")
}

func (r *ApprovalRepository) update(ctx context.Context, op string, instance *models.ApprovalInstance, requiredStatus string) error {
	expected := instance.Version
	previousUpdatedAt := instance.UpdatedAt

	instance.Version = expected + 1
	instance.UpdatedAt = time.Now().UTC()

	idx := indexes{
		deadlineKey:   r.indexKey(),
		deadlineScore: score(approvalDeadline(instance)),
		pendingKey:    r.pendingKey(),
		pendingScore:  score(instance.ResumePendingSince()),
	}

	result, err := r.p.compareAndSet(ctx, r.recordKey(instance.ID), idx, expected,
		instance, instance.ID, requiredStatus, string(instance.Status))
	if err == nil {
		err = writeError(op, "approval", instance.ID, result, persistence.ErrApprovalNotFound)
	}

	if err != nil {
		instance.Version = expected
		instance.UpdatedAt = previousUpdatedAt

		return err
	}

	return nil
}

func (r *ApprovalRepository) ExpiredApprovals(ctx context.Context, now time.Time) ([]*models.ApprovalInstance, error) {
	return r.indexed(ctx, r.indexKey(), now, func(instance *models.ApprovalInstance) bool {
		return instance.Status == models.ApprovalStatusWaiting
	})
}

func (r *ApprovalRepository) UnresumedApprovals(ctx context.Context, pendingBefore time.Time) ([]*models.ApprovalInstance, error) {
	return r.indexed(ctx, r.pendingKey(), pendingBefore, func(instance *models.ApprovalInstance) bool {
		since := instance.ResumePendingSince()

		return since != nil && !pendingBefore.Before(*since)
	})
}

func (r *ApprovalRepository) indexed(
	ctx context.Context,
	indexKey string,
	at time.Time,
	keep func(*models.ApprovalInstance) bool,
) ([]*models.ApprovalInstance, error) {
	ids, err := r.p.dueMembers(ctx, indexKey, at)
	if err != nil {
		return nil, err
	}

	instances := make([]*models.ApprovalInstance, 0, len(ids))

	for _, id := range ids {
		instance, err := r.ApprovalByID(ctx, id)
		if err != nil {
			if persistence.IsApprovalNotFound(err) {
				continue
			}

			return nil, err
		}

		if keep(instance) {
			instances = append(instances, instance)
		}
	}

	return instances, nil
}
