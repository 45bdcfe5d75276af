package redis

import (
	"context"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// TaskRepository stores tasks under <prefix>:task:<id>, indexed by their next due time.
type TaskRepository struct {
	p *Persistence
}

func (r *TaskRepository) recordKey(id string) string { return r.p.key("task", id) }
func (r *TaskRepository) indexKey() string { return r.p.key("tasks", "due") }

// dueAt is the instant the sweeper should look at the task, if any.
func dueAt(task *models.DelegateTask) *time.Time {
	switch task.Status {
	case models.TaskStatusParked:
		return task.TriggerDeadline
	case models.TaskStatusQueued, models.TaskStatusStarted:
		return task.ExpiresAt
	case models.TaskStatusCompleted, models.TaskStatusAborted, models.TaskStatusExpired:
		return nil
	default:
		return nil
	}
}

func (r *TaskRepository) CreateTask(ctx context.Context, task *models.DelegateTask) error {
	task.Version = 1

	result, err := r.p.create(ctx, []string{r.recordKey(task.ID), r.indexKey()},
		task, task.ID, score(dueAt(task)), string(task.Status), "")
	if err != nil {
		task.Version = 0

		return err
	}

	if result == createExists {
		task.Version = 0

		return persistence.NewRecordError("CreateTask", "task", task.ID, persistence.ErrTaskAlreadyExists)
	}

	return nil
}

func (r *TaskRepository) TaskByID(ctx context.Context, id string) (*models.DelegateTask, error) {
	var task models.DelegateTask

	version, found, err := r.p.load(ctx, r.recordKey(id), &task)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRecordError("TaskByID", "task", id, persistence.ErrTaskNotFound)
	}

	task.Version = version

	return &task, nil
}

func (r *TaskRepository) UpdateTask(ctx context.Context, task *models.DelegateTask) error {
	expected := task.Version
	previousUpdatedAt := task.UpdatedAt

	task.Version = expected + 1
	task.UpdatedAt = time.Now().UTC()

	result, err := r.p.compareAndSet(ctx, r.recordKey(task.ID), indexes{deadlineKey: r.indexKey(), deadlineScore: score(dueAt(task))},
		expected, task, task.ID, "", string(task.Status))
	if err == nil {
		err = writeError("UpdateTask", "task", task.ID, result, persistence.ErrTaskNotFound)
	}

	if err != nil {
		task.Version = expected
		task.UpdatedAt = previousUpdatedAt

		return err
	}

	return nil
}

func (r *TaskRepository) DueTasks(ctx context.Context, now time.Time) ([]*models.DelegateTask, error) {
	ids, err := r.p.dueMembers(ctx, r.indexKey(), now)
	if err != nil {
		return nil, err
	}

	due := make([]*models.DelegateTask, 0, len(ids))

	for _, id := range ids {
		task, err := r.TaskByID(ctx, id)
		if err != nil {
			if persistence.IsTaskNotFound(err) {
				continue
			}

			return nil, err
		}

		if task.IsDue(now) {
			due = append(due, task)
		}
	}

	return due, nil
}
