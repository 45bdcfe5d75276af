package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/relay/pkg/models"
	"github.com/dukex/relay/pkg/persistence"
)

// TaskRepository handles delegate task persistence in PostgreSQL.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// CreateTask inserts a new task with version 1.
func (tr *TaskRepository) CreateTask(ctx context.Context, task *models.DelegateTask) error {
	descriptorJSON, err := json.Marshal(task.Descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	query := `
		INSERT INTO delegate_tasks (
			id, task_type, descriptor, status, trigger_deadline, expires_at, created_at, updated_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`

	_, err = tr.db.ExecContext(ctx, query,
		task.ID,
		task.Descriptor.TaskType,
		descriptorJSON,
		string(task.Status),
		task.TriggerDeadline,
		task.ExpiresAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRecordError("CreateTask", "task", task.ID, persistence.ErrTaskAlreadyExists)
		}

		return fmt.Errorf("failed to create task: %w", err)
	}

	task.Version = 1

	return nil
}

// TaskByID retrieves a task by its callback id.
func (tr *TaskRepository) TaskByID(ctx context.Context, id string) (*models.DelegateTask, error) {
	query := `
		SELECT id, descriptor, status, trigger_deadline, expires_at, created_at, updated_at, version
		FROM delegate_tasks
		WHERE id = $1
	`

	task, err := tr.scanTask(tr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRecordError("TaskByID", "task", id, persistence.ErrTaskNotFound)
		}

		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	return task, nil
}

// UpdateTask writes status and deadlines when the stored version matches.
func (tr *TaskRepository) UpdateTask(ctx context.Context, task *models.DelegateTask) error {
	now := time.Now().UTC()

	query := `
		UPDATE delegate_tasks
		SET status = $1, trigger_deadline = $2, expires_at = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`

	result, err := tr.db.ExecContext(ctx, query,
		string(task.Status),
		task.TriggerDeadline,
		task.ExpiresAt,
		now,
		task.ID,
		task.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		cause := conditionalWriteError(ctx, tr.db,
			`SELECT EXISTS(SELECT 1 FROM delegate_tasks WHERE id = $1)`, task.ID, persistence.ErrTaskNotFound)

		return persistence.NewRecordError("UpdateTask", "task", task.ID, cause)
	}

	task.Version++
	task.UpdatedAt = now

	return nil
}

// DueTasks returns parked tasks past their trigger deadline and running tasks past expiry.
func (tr *TaskRepository) DueTasks(ctx context.Context, now time.Time) ([]*models.DelegateTask, error) {
	query := `
		SELECT id, descriptor, status, trigger_deadline, expires_at, created_at, updated_at, version
		FROM delegate_tasks
		WHERE (status = 'parked' AND trigger_deadline <= $1)
		   OR (status IN ('queued', 'started') AND expires_at <= $1)
		ORDER BY created_at ASC
	`

	rows, err := tr.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			tr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	tasks := make([]*models.DelegateTask, 0)

	for rows.Next() {
		task, err := tr.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

func (tr *TaskRepository) scanTask(scanner interface {
	Scan(dest ...any) error
}) (*models.DelegateTask, error) {
	var (
		task            models.DelegateTask
		status          string
		descriptorJSON  []byte
		triggerDeadline sql.NullTime
		expiresAt       sql.NullTime
	)

	err := scanner.Scan(
		&task.ID,
		&descriptorJSON,
		&status,
		&triggerDeadline,
		&expiresAt,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.Version,
	)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)

	if err := json.Unmarshal(descriptorJSON, &task.Descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}

	if triggerDeadline.Valid {
		task.TriggerDeadline = &triggerDeadline.Time
	}

	if expiresAt.Valid {
		task.ExpiresAt = &expiresAt.Time
	}

	return &task, nil
}
