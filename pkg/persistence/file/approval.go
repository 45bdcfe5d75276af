package file

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// ApprovalRepository handles approval instance file operations.
type ApprovalRepository struct {
	fp *Persistence
}

func (r *ApprovalRepository) CreateApproval(_ context.Context, instance *models.ApprovalInstance) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if err := validateID(instance.ID); err != nil {
		return persistence.NewRecordError("CreateApproval", "approval", instance.ID, err)
	}

	if r.fp.exists(approvalsDir, instance.ID) {
		return persistence.NewRecordError("CreateApproval", "approval", instance.ID, persistence.ErrApprovalAlreadyExists)
	}

	instance.Version = 1

	return r.fp.writeJSON(approvalsDir, instance.ID, instance)
}

func (r *ApprovalRepository) ApprovalByID(_ context.Context, id string) (*models.ApprovalInstance, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return r.load(id)
}

func (r *ApprovalRepository) UpdateApprovalIfWaiting(_ context.Context, instance *models.ApprovalInstance) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, err := r.load(instance.ID)
	if err != nil {
		return err
	}

	if stored.Status != models.ApprovalStatusWaiting || stored.Version != instance.Version {
		return persistence.NewRecordError("UpdateApprovalIfWaiting", "approval", instance.ID, persistence.ErrVersionConflict)
	}

	instance.Version++
	instance.UpdatedAt = time.Now().UTC()

	if err := r.fp.writeJSON(approvalsDir, instance.ID, instance); err != nil {
		instance.Version--

		return err
	}

	return nil
}

func (r *ApprovalRepository) UpdateApproval(_ context.Context, instance *models.ApprovalInstance) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, err := r.load(instance.ID)
	if err != nil {
		return err
	}

	if stored.Version != instance.Version {
		return persistence.NewRecordError("UpdateApproval", "approval", instance.ID, persistence.ErrVersionConflict)
	}

	instance.Version++
	instance.UpdatedAt = time.Now().UTC()

	if err := r.fp.writeJSON(approvalsDir, instance.ID, instance); err != nil {
		instance.Version--

		return err
	}

	return nil
}

func (r *ApprovalRepository) ExpiredApprovals(_ context.Context, now time.Time) ([]*models.ApprovalInstance, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	ids, err := r.fp.scan(approvalsDir)
	if err != nil {
		return nil, err
	}

	expired := make([]*models.ApprovalInstance, 0)

	for _, id := range ids {
		instance, err := r.load(id)
		if err != nil {
			continue
		}

		if instance.Status == models.ApprovalStatusWaiting && !now.Before(instance.Deadline) {
			expired = append(expired, instance)
		}
	}

	return expired, nil
}

func (r *ApprovalRepository) UnresumedApprovals(_ context.Context, pendingBefore time.Time) ([]*models.ApprovalInstance, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	ids, err := r.fp.scan(approvalsDir)
	if err != nil {
		return nil, err
	}

	unresumed := make([]*models.ApprovalInstance, 0)

	for _, id := range ids {
		instance, err := r.load(id)
		if err != nil {
			continue
		}

		if since := instance.ResumePendingSince(); since != nil && !pendingBefore.Before(*since) {
			unresumed = append(unresumed, instance)
		}
	}

	return unresumed, nil
}

func (r *ApprovalRepository) load(id string) (*models.ApprovalInstance, error) {
	var instance models.ApprovalInstance

	if err := r.fp.readJSON(approvalsDir, id, &instance); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRecordError("ApprovalByID", "approval", id, persistence.ErrApprovalNotFound)
		}

		return nil, err
	}

	return &instance, nil
}
