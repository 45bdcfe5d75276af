package file

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// TaskRepository handles delegate task file operations.
type TaskRepository struct {
	fp *Persistence
}

// CreateTask stores a new task with version 1.
func (r *TaskRepository) CreateTask(_ context.Context, task *models.DelegateTask) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	if err := validateID(task.ID); err != nil {
		return persistence.NewRecordError("CreateTask", "task", task.ID, err)
	}

	if r.fp.exists(tasksDir, task.ID) {
		return persistence.NewRecordError("CreateTask", "task", task.ID, persistence.ErrTaskAlreadyExists)
	}

	task.Version = 1

	return r.fp.writeJSON(tasksDir, task.ID, task)
}

// TaskByID loads a task by its callback id.
func (r *TaskRepository) TaskByID(_ context.Context, id string) (*models.DelegateTask, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return r.load(id)
}

// UpdateTask writes the task when its version matches the stored one.
func (r *TaskRepository) UpdateTask(_ context.Context, task *models.DelegateTask) error {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	stored, err := r.load(task.ID)
	if err != nil {
		return err
	}

	if stored.Version != task.Version {
		return persistence.NewRecordError("UpdateTask", "task", task.ID, persistence.ErrVersionConflict)
	}

	task.Version++
	task.UpdatedAt = time.Now().UTC()

	if err := r.fp.writeJSON(tasksDir, task.ID, task); err != nil {
		task.Version--

		return err
	}

	return nil
}

// DueTasks scans all tasks. Not efficient, but adequate for the file backend.
func (r *TaskRepository) DueTasks(_ context.Context, now time.Time) ([]*models.DelegateTask, error) {
	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	ids, err := r.fp.scan(tasksDir)
	if err != nil {
		return nil, err
	}

	due := make([]*models.DelegateTask, 0)

	for _, id := range ids {
		task, err := r.load(id)
		if err != nil {
			continue // Skip files we can't parse
		}

		if task.IsDue(now) {
			due = append(due, task)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	return due, nil
}

func (r *TaskRepository) load(id string) (*models.DelegateTask, error) {
	var task models.DelegateTask

	if err := r.fp.readJSON(tasksDir, id, &task); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRecordError("TaskByID", "task", id, persistence.ErrTaskNotFound)
		}

		return nil, err
	}

	return &task, nil
}
