package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// callbackIndex maps a callback id back to its step execution key.
type callbackIndex struct {
	CallbackID       string `json:"callback_id"`
	StepExecutionKey string `json:"step_execution_key"`
}

// WaitSetRepository implements wait set persistence using JSON files.
// Each callback id also gets an index file so lookups by callback avoid a scan.
type WaitSetRepository struct {
	fp *Persistence
}

// CreateWaitSet stores a new wait set with version 1 and indexes its callback ids.
func (r *WaitSetRepository) CreateWaitSet(_ context.Context, waitSet *models.StepWaitSet) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	key := waitSet.StepExecutionKey

	if err := validateID(key); err != nil {
		return persistence.NewRecordError("CreateWaitSet", "wait_set", key, err)
	}

	if r.fp.exists(waitSetsDir, key) {
		return persistence.NewRecordError("CreateWaitSet", "wait_set", key, persistence.ErrWaitSetAlreadyExists)
	}

	for _, callbackID := range waitSet.CallbackIDs {
		if err := validateID(callbackID); err != nil {
			return persistence.NewRecordError("CreateWaitSet", "wait_set", key, fmt.Errorf("callback %q: %w", callbackID, err))
		}
	}

	waitSet.Version = 1

	if err := r.fp.writeJSON(waitSetsDir, key, waitSet); err != nil {
		return err
	}

	for _, callbackID := range waitSet.CallbackIDs {
		index := callbackIndex{CallbackID: callbackID, StepExecutionKey: key}
		if err := r.fp.writeJSON(callbacksDir, callbackID, index); err != nil {
			return err
		}
	}

	return nil
}

// WaitSetByKey loads a wait set.
func (r *WaitSetRepository) WaitSetByKey(_ context.Context, stepExecutionKey string) (*models.StepWaitSet, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return r.load(stepExecutionKey)
}

// WaitSetKeyByCallback resolves the step execution key that registered a callback id.
func (r *WaitSetRepository) WaitSetKeyByCallback(_ context.Context, callbackID string) (string, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	var index callbackIndex

	if err := r.fp.readJSON(callbacksDir, callbackID, &index); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", persistence.NewRecordError("WaitSetKeyByCallback", "callback", callbackID, persistence.ErrWaitSetNotFound)
		}

		return "", err
	}

	return index.StepExecutionKey, nil
}

// UpdateWaitSet writes the wait set when its version matches the stored one.
func (r *WaitSetRepository) UpdateWaitSet(_ context.Context, waitSet *models.StepWaitSet) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, err := r.load(waitSet.StepExecutionKey)
	if err != nil {
		return err
	}

	if stored.Version != waitSet.Version {
		return persistence.NewRecordError("UpdateWaitSet", "wait_set", waitSet.StepExecutionKey, persistence.ErrVersionConflict)
	}

	waitSet.Version++
	waitSet.UpdatedAt = time.Now().UTC()

	if err := r.fp.writeJSON(waitSetsDir, waitSet.StepExecutionKey, waitSet); err != nil {
		waitSet.Version--

		return err
	}

	return nil
}

// OverdueWaitSets returns non-final wait sets whose deadline passed.
func (r *WaitSetRepository) OverdueWaitSets(_ context.Context, now time.Time) ([]*models.StepWaitSet, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	keys, err := r.fp.scan(waitSetsDir)
	if err != nil {
		return nil, err
	}

	overdue := make([]*models.StepWaitSet, 0)

	for _, key := range keys {
		waitSet, err := r.load(key)
		if err != nil {
			continue // Skip files we can't parse
		}

		if !waitSet.IsFinal() && waitSet.Deadline != nil && !now.Before(*waitSet.Deadline) {
			overdue = append(overdue, waitSet)
		}
	}

	return overdue, nil
}

// UnemittedWaitSets returns final, unarchived wait sets pending since pendingBefore or earlier.
func (r *WaitSetRepository) UnemittedWaitSets(_ context.Context, pendingBefore time.Time) ([]*models.StepWaitSet, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	keys, err := r.fp.scan(waitSetsDir)
	if err != nil {
		return nil, err
	}

	unemitted := make([]*models.StepWaitSet, 0)

	for _, key := range keys {
		waitSet, err := r.load(key)
		if err != nil {
			continue
		}

		if since := waitSet.EmissionPendingSince(); since != nil && !pendingBefore.Before(*since) {
			unemitted = append(unemitted, waitSet)
		}
	}

	return unemitted, nil
}

func (r *WaitSetRepository) load(stepExecutionKey string) (*models.StepWaitSet, error) {
	var waitSet models.StepWaitSet

	if err := r.fp.readJSON(waitSetsDir, stepExecutionKey, &waitSet); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRecordError("WaitSetByKey", "wait_set", stepExecutionKey, persistence.ErrWaitSetNotFound)
		}

		return nil, err
	}

	return &waitSet, nil
}
